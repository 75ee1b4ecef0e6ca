package main

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/bg-remover/internal/auth"
	"github.com/example/bg-remover/internal/config"
	"github.com/example/bg-remover/internal/imageservice"
	"github.com/example/bg-remover/internal/workflow"
)

type apiClient struct {
	t      *testing.T
	client *http.Client
	base   string
	token  string
}

func (a *apiClient) do(method, path string, body io.Reader, contentType string) (int, []byte, error) {
	req, err := http.NewRequest(method, a.base+path, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	return resp.StatusCode, data, err
}

func (a *apiClient) mustState(method, path string, body io.Reader, contentType string, wantStatus int) workflow.State {
	a.t.Helper()
	status, data, err := a.do(method, path, body, contentType)
	if err != nil {
		a.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	if status != wantStatus {
		a.t.Fatalf("%s %s: expected status %d, got %d: %s", method, path, wantStatus, status, data)
	}
	var st workflow.State
	if err := json.Unmarshal(data, &st); err != nil {
		a.t.Fatalf("decode state: %v (%s)", err, data)
	}
	return st
}

func TestServerFinishesInFlightProcessOnShutdown(t *testing.T) {
	logger := zap.NewNop()

	fake := &fakeRemote{
		processStarted: make(chan struct{}),
		releaseProcess: make(chan struct{}),
	}
	defer func() {
		select {
		case <-fake.releaseProcess:
		default:
			close(fake.releaseProcess)
		}
	}()
	remote := newFakeRemote(t, fake)

	cfg := config.Default()
	cfg.Service.BaseURL = remote.URL
	cfg.Auth.JWTSecret = "integration-secret"
	cfg.Export.Dir = t.TempDir()

	client, err := imageservice.New(imageservice.Config{BaseURL: cfg.Service.BaseURL}, logger)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	router, _ := buildRouter(&cfg, logger, client, sessionExporters(&cfg, client, nil, logger), nil)

	t.Log("creating listener")
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	server := &http.Server{Handler: router}

	signalCh := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- serveHTTPServerWithOptions(server, 2*time.Second, logger, listener, signalCh)
	}()

	addr := listener.Addr().String()
	t.Logf("listening on %s", addr)
	waitForServer(t, addr)

	token, err := auth.IssueToken(cfg.Auth.JWTSecret, "", "user-1", time.Hour)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	api := &apiClient{t: t, client: &http.Client{Timeout: 5 * time.Second}, base: "http://" + addr, token: token}

	st := api.mustState(http.MethodPost, "/sessions", nil, "", http.StatusCreated)
	sessionPath := "/sessions/" + st.SessionID

	body, contentType := imagePart(t, "cat.png", testPNG(t))
	api.mustState(http.MethodPost, sessionPath+"/image", body, contentType, http.StatusAccepted)

	st = api.mustState(http.MethodPost, sessionPath+"/upload", nil, "", http.StatusOK)
	if st.ImageID != "7" || st.Phase != workflow.PhaseUploaded {
		t.Fatalf("unexpected state after upload: %+v", st)
	}

	type result struct {
		status int
		body   []byte
		err    error
	}
	processDone := make(chan result, 1)
	go func() {
		t.Log("sending process request")
		status, data, err := api.do(http.MethodPost, sessionPath+"/process", nil, "")
		processDone <- result{status: status, body: data, err: err}
	}()

	select {
	case <-fake.processStarted:
		t.Log("process started")
	case <-time.After(2 * time.Second):
		t.Fatal("process did not start in time")
	}

	t.Log("sending signal")
	signalCh <- syscall.SIGTERM

	time.Sleep(50 * time.Millisecond)
	close(fake.releaseProcess)
	t.Log("released process")

	select {
	case res := <-processDone:
		if res.err != nil {
			t.Fatalf("process request failed: %v", res.err)
		}
		if res.status != http.StatusOK {
			t.Fatalf("unexpected status: %d body: %s", res.status, res.body)
		}
		var processed workflow.State
		if err := json.Unmarshal(res.body, &processed); err != nil {
			t.Fatalf("decode state: %v", err)
		}
		if processed.ProcessedReference != "7_nobg.png" || processed.ResultURL != remote.URL+"/download/7_nobg.png" {
			t.Fatalf("unexpected processed state: %+v", processed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("process request did not complete")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server did not shutdown cleanly: %v", err)
		}
		t.Log("server shutdown complete")
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after shutdown")
	}

	if _, err := os.Stat(filepath.Join(cfg.Export.Dir, st.SessionID, "background_removed.png")); !os.IsNotExist(err) {
		t.Fatalf("expected nothing exported before download, got %v", err)
	}
}

func imagePart(t *testing.T, filename string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="`+filename+`"`)
	header.Set("Content-Type", "image/png")

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server %s did not become ready", addr)
}
