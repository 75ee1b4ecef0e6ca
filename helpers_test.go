package main

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
)

// fakeRemote mimics the background-removal service.
type fakeRemote struct {
	mu             sync.Mutex
	uploads        int
	processes      int
	failProcess    bool
	processStarted chan struct{}
	releaseProcess chan struct{}
}

func newFakeRemote(t *testing.T, fake *fakeRemote) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()

	router.POST("/upload", func(c *gin.Context) {
		if _, err := c.FormFile("image"); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "No image provided"})
			return
		}
		fake.mu.Lock()
		fake.uploads++
		id := 6 + fake.uploads
		fake.mu.Unlock()
		c.JSON(http.StatusOK, gin.H{"success": true, "image_id": id})
	})
	router.POST("/process/:id", func(c *gin.Context) {
		fake.mu.Lock()
		fake.processes++
		fail := fake.failProcess
		fake.mu.Unlock()

		if fake.processStarted != nil {
			close(fake.processStarted)
		}
		if fake.releaseProcess != nil {
			<-fake.releaseProcess
		}
		if fail {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "model crashed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "processed_filename": c.Param("id") + "_nobg.png"})
	})
	router.GET("/download/:filename", func(c *gin.Context) {
		c.Data(http.StatusOK, "image/png", []byte("result:"+c.Param("filename")))
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func (f *fakeRemote) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads
}
