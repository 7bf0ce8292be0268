package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestTranscribeMultipartUpload(t *testing.T) {
	var gotAuth, gotModel string
	var gotFile []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		gotModel = r.FormValue("model")
		file, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
		} else {
			buf := make([]byte, 16)
			n, _ := file.Read(buf)
			gotFile = buf[:n]
			file.Close()
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text": "  hello from afar  "}`))
	}))
	defer srv.Close()

	tr := NewHTTPTranscriber(srv.URL, "secret-key", "whisper-1", time.Second)
	text, err := tr.Transcribe(context.Background(), []byte("RIFFdata"))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "hello from afar" {
		t.Fatalf("unexpected text %q", text)
	}
	if gotAuth != "Bearer secret-key" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotModel != "whisper-1" {
		t.Fatalf("unexpected model field %q", gotModel)
	}
	if string(gotFile) != "RIFFdata" {
		t.Fatalf("unexpected file payload %q", gotFile)
	}
}

func TestTranscribeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := NewHTTPTranscriber(srv.URL, "", "", time.Second)
	_, err := tr.Transcribe(context.Background(), []byte("RIFF"))
	if err == nil {
		t.Fatal("expected error on 503")
	}
	if !strings.Contains(err.Error(), "model overloaded") {
		t.Fatalf("error should carry response body, got %v", err)
	}
}

func TestIsAvailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/models" {
			w.Write([]byte(`{"data": []}`))
			return
		}
		http.NotFound(w, r)
	}))
	tr := NewHTTPTranscriber(srv.URL, "", "", time.Second)
	if !tr.IsAvailable(context.Background()) {
		t.Fatal("healthy server should be available")
	}
	srv.Close()
	if tr.IsAvailable(context.Background()) {
		t.Fatal("closed server should be unavailable")
	}
}
