package images

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"

	"github.com/aluiziolira/go-market-watch/stealth"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestDownloadRotatesIdentityAndSaves(t *testing.T) {
	mock := httpmock.NewMockTransport()
	pool := []string{"ua-one", "ua-two"}

	var seenUA, seenReferer []string
	mock.RegisterResponder(http.MethodGet, "https://img.test/a.jpg",
		func(req *http.Request) (*http.Response, error) {
			seenUA = append(seenUA, req.Header.Get("User-Agent"))
			seenReferer = append(seenReferer, req.Header.Get("Referer"))
			return httpmock.NewBytesResponse(http.StatusOK, []byte("jpegdata")), nil
		})
	mock.RegisterResponder(http.MethodGet, "https://img.test/b.heic",
		httpmock.NewBytesResponder(http.StatusOK, []byte("heicdata")))

	f := NewFetcher(Options{
		Dir:       t.TempDir(),
		Rotator:   stealth.NewRotator(pool, nil),
		Transport: mock,
		Sleep:     noSleep,
	})

	paths, err := f.Download(context.Background(), "iPhone 13/task", "7001", []string{"https://img.test/a.jpg", "https://img.test/b.heic"})
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("paths=%v, want 2", paths)
	}
	if filepath.Base(paths[0]) != "product_7001_1.jpg" || filepath.Base(paths[1]) != "product_7001_2.jpg" {
		t.Fatalf("unexpected names: %v", paths)
	}
	data, err := os.ReadFile(paths[0])
	if err != nil || string(data) != "jpegdata" {
		t.Fatalf("saved=%q err=%v", data, err)
	}
	if len(seenUA) != 1 || (seenUA[0] != "ua-one" && seenUA[0] != "ua-two") {
		t.Fatalf("user agents=%v", seenUA)
	}
	if seenReferer[0] != siteReferer {
		t.Fatalf("referer=%q", seenReferer[0])
	}

	// Second call reuses files without hitting the network.
	before := mock.GetTotalCallCount()
	if _, err := f.Download(context.Background(), "iPhone 13/task", "7001", []string{"https://img.test/a.jpg"}); err != nil {
		t.Fatalf("download again: %v", err)
	}
	if mock.GetTotalCallCount() != before {
		t.Fatalf("existing file was downloaded again")
	}

	if err := f.Cleanup("iPhone 13/task"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(f.TaskDir("iPhone 13/task")); !os.IsNotExist(err) {
		t.Fatalf("task dir still present: %v", err)
	}
}

func TestDownloadRetriesThenSkips(t *testing.T) {
	mock := httpmock.NewMockTransport()
	mock.RegisterResponder(http.MethodGet, "https://img.test/broken.jpg",
		httpmock.NewStringResponder(http.StatusInternalServerError, "oops"))

	var waits []time.Duration
	f := NewFetcher(Options{
		Dir:        t.TempDir(),
		Retries:    2,
		RetryDelay: 3 * time.Second,
		Transport:  mock,
		Sleep: func(_ context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		},
	})

	paths, err := f.Download(context.Background(), "t", "1", []string{"https://img.test/broken.jpg"})
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if len(paths) != 0 {
		t.Fatalf("paths=%v, want none", paths)
	}
	if got := mock.GetTotalCallCount(); got != 3 {
		t.Fatalf("calls=%d, want 3", got)
	}
	if len(waits) != 2 || waits[0] != 3*time.Second {
		t.Fatalf("waits=%v", waits)
	}
}

func TestTaskDirSanitized(t *testing.T) {
	f := NewFetcher(Options{Dir: "images"})
	if got := f.TaskDir("a/b c"); got != filepath.Join("images", "task_images_a_b_c") {
		t.Fatalf("dir=%s", got)
	}
}
