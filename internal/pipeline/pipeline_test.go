package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cdn-log-anonymizer/pkg/compression"
	"cdn-log-anonymizer/pkg/types"

	"github.com/sirupsen/logrus"
)

type identityStores struct{}

func (identityStores) Map(column string, key *string) *string {
	if key == nil {
		return nil
	}
	tok := column + ":" + *key
	return &tok
}

type nullGeo struct{}

func (nullGeo) Lookup(string) (*string, error) { return nil, nil }

type nullUA struct{}

func (nullUA) Parse(string) (types.UserAgentInfo, error) { return types.UserAgentInfo{}, nil }

type memSink struct {
	mu      sync.Mutex
	records []types.DerivedRecord
}

func (m *memSink) Start(context.Context) error { return nil }
func (m *memSink) Send(_ context.Context, records []types.DerivedRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, records...)
	return nil
}
func (m *memSink) Stop() error { return nil }

func writeCompressedFixture(t *testing.T, lines []string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "source.bz2")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	bw, err := compression.NewBzip2WriteCloser(f)
	if err != nil {
		t.Fatal(err)
	}
	for _, l := range lines {
		if _, err := bw.Write([]byte(l + "\n")); err != nil {
			t.Fatal(err)
		}
	}
	if err := bw.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPipelineRunEndToEnd(t *testing.T) {
	line := sampleLine24()
	source := writeCompressedFixture(t, []string{line, line})

	sink := &memSink{}
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	worker, err := NewWorker(WorkerConfig{
		ID:           1,
		ColumnLayout: "24",
		CacheName:    "cache01",
		PopName:      "pop01",
		TimeShiftDays: 90,
		Xyte:         1,
		CacheSize:    100,
		Stores:       identityStores{},
		Geo:          nullGeo{},
		UA:           nullUA{},
		Sinks:        []types.Sink{sink},
	}, logger)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}

	p := New(source, 10, -1, 4, nil, []*Worker{worker}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.records) != 2 {
		t.Fatalf("got %d records, want 2", len(sink.records))
	}
	if sink.records[0].CacheName != "cachename:cache01" {
		t.Errorf("CacheName = %q", sink.records[0].CacheName)
	}
}

func TestPipelineRunRespectsMaxLines(t *testing.T) {
	line := sampleLine24()
	source := writeCompressedFixture(t, []string{line, line, line, line})

	sink := &memSink{}
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	worker, _ := NewWorker(WorkerConfig{
		ID:            1,
		ColumnLayout:  "24",
		CacheName:     "c",
		PopName:       "p",
		TimeShiftDays: 1,
		Xyte:          1,
		Stores:        identityStores{},
		Geo:           nullGeo{},
		UA:            nullUA{},
		Sinks:         []types.Sink{sink},
	}, logger)

	p := New(source, 10, 2, 4, nil, []*Worker{worker}, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.records) != 2 {
		t.Fatalf("got %d records, want 2 (maxlines cap)", len(sink.records))
	}
}
