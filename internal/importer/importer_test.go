package importer

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/bryan-buckman/feedsync/internal/database"
	"github.com/bryan-buckman/feedsync/internal/model"
	"github.com/bryan-buckman/feedsync/internal/rss"
	"github.com/bryan-buckman/feedsync/internal/ssrf"
)

type fakeResolver map[string][]netip.Addr

func (f fakeResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	if addrs, ok := f[host]; ok {
		return addrs, nil
	}
	return nil, fmt.Errorf("no such host %s", host)
}

func testGuard() *ssrf.Guard {
	return ssrf.New(fakeResolver{
		"a.example.com":        {netip.MustParseAddr("93.184.216.34")},
		"b.example.com":        {netip.MustParseAddr("93.184.216.35")},
		"internal.example.com": {netip.MustParseAddr("10.0.0.5")},
	})
}

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestParseLines(t *testing.T) {
	input := `
https://a.example.com/feed.xml   A Example Feed
# comment
https://b.example.com/rss

   https://c.example.com/atom	Tabbed Title  
`
	entries, err := ParseLines(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseLines failed: %v", err)
	}
	want := []Entry{
		{URL: "https://a.example.com/feed.xml", Title: "A Example Feed"},
		{URL: "https://b.example.com/rss"},
		{URL: "https://c.example.com/atom", Title: "Tabbed Title"},
	}
	if len(entries) != len(want) {
		t.Fatalf("got %d entries, want %d: %+v", len(entries), len(want), entries)
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, entries[i], want[i])
		}
	}
}

func TestParseOPML(t *testing.T) {
	doc := `<opml version="2.0"><body><outline text="News"><outline text="A" xmlUrl="https://a.example.com/feed.xml"/></outline></body></opml>`
	entries, err := ParseOPML(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("ParseOPML failed: %v", err)
	}
	if len(entries) != 1 || entries[0].URL != "https://a.example.com/feed.xml" || entries[0].Title != "A" {
		t.Errorf("unexpected entries: %+v", entries)
	}
}

func TestValidate(t *testing.T) {
	r := NewRegistrar(nil, testGuard(), nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		nf      model.NewFeed
		wantErr error
	}{
		{"public host", model.NewFeed{URL: " https://a.example.com/feed "}, nil},
		{"empty", model.NewFeed{URL: "  "}, ErrEmptyURL},
		{"too long", model.NewFeed{URL: "https://a.example.com/" + strings.Repeat("x", maxURLLength)}, ErrURLTooLong},
		{"bad scheme", model.NewFeed{URL: "file:///etc/passwd"}, ssrf.ErrScheme},
		{"metadata endpoint", model.NewFeed{URL: "http://169.254.169.254/latest/"}, ssrf.ErrPrivateAddress},
		{"resolves private", model.NewFeed{URL: "https://internal.example.com/rss"}, ssrf.ErrPrivateAddress},
		{"custom without hours", model.NewFeed{URL: "https://a.example.com/feed", FetchFrequency: model.FrequencyCustom}, ErrBadCustomRate},
		{"bad pattern", model.NewFeed{URL: "https://a.example.com/feed", IgnorePattern: ptr("([")}, ErrBadPattern},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nf := tt.nf
			err := r.Validate(ctx, &nf)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if nf.URL != strings.TrimSpace(tt.nf.URL) {
					t.Errorf("URL not trimmed: %q", nf.URL)
				}
				if nf.FetchFrequency != model.FrequencyAdaptive {
					t.Errorf("frequency = %q, want adaptive", nf.FetchFrequency)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func ptr[T any](v T) *T { return &v }

func TestCreateDeferredLeavesFeedDue(t *testing.T) {
	db := openTestDB(t)
	r := NewRegistrar(db, testGuard(), nil)

	feed, err := r.CreateDeferred(context.Background(), model.NewFeed{URL: "https://a.example.com/feed.xml"})
	if err != nil {
		t.Fatalf("CreateDeferred failed: %v", err)
	}
	if feed.LastFetchedAt != nil {
		t.Error("deferred feed must not have a fetch time")
	}
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls []int64
}

func (f *fakeFetcher) FetchFeed(_ context.Context, feed model.Feed) (*rss.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, feed.ID)
	f.mu.Unlock()
	return &rss.Result{FeedID: feed.ID, LogType: model.LogSuccess, NewArticles: 3}, nil
}

func TestRegisterFetchesImmediately(t *testing.T) {
	db := openTestDB(t)
	ff := &fakeFetcher{}
	r := NewRegistrar(db, testGuard(), ff)

	feed, res, err := r.Register(context.Background(), model.NewFeed{URL: "https://a.example.com/feed.xml", Title: "A"})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if len(ff.calls) != 1 || ff.calls[0] != feed.ID {
		t.Errorf("expected one fetch of feed %d, got %v", feed.ID, ff.calls)
	}
	if res == nil || res.NewArticles != 3 {
		t.Errorf("unexpected result: %+v", res)
	}

	if _, _, err := r.Register(context.Background(), model.NewFeed{URL: "http://127.0.0.1/feed"}); !errors.Is(err, ssrf.ErrPrivateAddress) {
		t.Errorf("expected private address rejection, got %v", err)
	}
	if len(ff.calls) != 1 {
		t.Error("rejected feed must not be fetched")
	}
}

func TestImportJob(t *testing.T) {
	db := openTestDB(t)
	m := NewManager(NewRegistrar(db, testGuard(), nil), 0)

	entries := FromURLs([]string{
		"https://a.example.com/feed.xml",
		"http://169.254.169.254/latest/meta-data/",
		"https://b.example.com/rss",
	})
	id, err := m.Submit(context.Background(), entries)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	m.Wait()

	job, err := m.Poll(id)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if job.Status != model.ImportComplete {
		t.Errorf("status = %s, want complete", job.Status)
	}
	if job.Total != 3 || job.Processed != 3 || job.SuccessCount != 2 {
		t.Errorf("counts = total %d processed %d success %d", job.Total, job.Processed, job.SuccessCount)
	}
	if job.Results[1].Success || job.Results[1].Error == "" {
		t.Errorf("metadata endpoint should be rejected: %+v", job.Results[1])
	}
	if job.FinishedAt == nil {
		t.Error("finished job should carry a finish time")
	}

	due, err := db.GetDueFeeds(context.Background(), job.CreatedAt)
	if err != nil {
		t.Fatalf("GetDueFeeds failed: %v", err)
	}
	if len(due) != 2 {
		t.Errorf("expected 2 due feeds awaiting first fetch, got %d", len(due))
	}
}

func TestImportJobRejectsDuplicates(t *testing.T) {
	db := openTestDB(t)
	m := NewManager(NewRegistrar(db, testGuard(), nil), 0)

	id, err := m.Submit(context.Background(), FromURLs([]string{
		"https://a.example.com/feed.xml",
		"https://a.example.com/feed.xml",
	}))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	m.Wait()

	job, _ := m.Poll(id)
	if job.SuccessCount != 1 {
		t.Errorf("success count = %d, want 1", job.SuccessCount)
	}
	if job.Results[1].Error != database.ErrDuplicateURL.Error() {
		t.Errorf("duplicate error = %q", job.Results[1].Error)
	}
}

type gatedCreator struct {
	gate chan struct{}
	next int64
}

func (g *gatedCreator) CreateFeed(ctx context.Context, nf model.NewFeed) (*model.Feed, error) {
	<-g.gate
	g.next++
	return &model.Feed{ID: g.next, URL: nf.URL}, nil
}

func TestSubmitDoesNotBlock(t *testing.T) {
	gc := &gatedCreator{gate: make(chan struct{})}
	m := NewManager(NewRegistrar(gc, testGuard(), nil), 0)

	ctx, cancel := context.WithCancel(context.Background())
	id, err := m.Submit(ctx, FromURLs([]string{"https://a.example.com/1", "https://b.example.com/2"}))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	// Cancelling the submitting request must not stop the job.
	cancel()

	job, err := m.Poll(id)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if job.Status != model.ImportProcessing || job.Processed != 0 {
		t.Errorf("expected untouched processing job, got %+v", job)
	}

	close(gc.gate)
	m.Wait()

	job, _ = m.Poll(id)
	if job.Status != model.ImportComplete || job.SuccessCount != 2 {
		t.Errorf("expected completed job, got %+v", job)
	}
}

func TestPollIsSideEffectFree(t *testing.T) {
	db := openTestDB(t)
	m := NewManager(NewRegistrar(db, testGuard(), nil), 0)

	id, _ := m.Submit(context.Background(), FromURLs([]string{"https://a.example.com/feed.xml"}))
	m.Wait()

	first, _ := m.Poll(id)
	first.Results[0].URL = "mutated"
	second, _ := m.Poll(id)
	if second.Results[0].URL != "https://a.example.com/feed.xml" {
		t.Error("snapshot mutation leaked into the job")
	}
	if second.Processed != first.Processed || second.Status != first.Status {
		t.Error("repeated polls should return identical progress")
	}
}

func TestPollUnknownJob(t *testing.T) {
	m := NewManager(NewRegistrar(nil, testGuard(), nil), 0)
	if _, err := m.Poll("missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
	if _, err := m.Submit(context.Background(), nil); !errors.Is(err, ErrNoEntries) {
		t.Errorf("expected ErrNoEntries, got %v", err)
	}
}

func TestIsRejection(t *testing.T) {
	r := NewRegistrar(nil, testGuard(), nil)
	nf := model.NewFeed{URL: "http://10.1.2.3/feed"}
	if err := r.Validate(context.Background(), &nf); !IsRejection(err) {
		t.Errorf("private address should be a rejection: %v", err)
	}
	if IsRejection(errors.New("disk full")) {
		t.Error("storage errors are not rejections")
	}
	if IsRejection(database.ErrDuplicateURL) {
		t.Error("duplicates are reported separately")
	}
}
