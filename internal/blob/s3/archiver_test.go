package s3blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/oraclex/internal/domain"
	"github.com/alanyoungcy/oraclex/internal/store/memory"
)

type memBlob struct {
	mu    sync.Mutex
	objs  map[string][]byte
	types map[string]string
}

func newMemBlob() *memBlob {
	return &memBlob{objs: map[string][]byte{}, types: map[string]string{}}
}

func (b *memBlob) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objs[path] = raw
	b.types[path] = contentType
	return nil
}

func (b *memBlob) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	raw, ok := b.objs[path]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", path, domain.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (b *memBlob) Exists(_ context.Context, path string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objs[path]
	return ok, nil
}

func (b *memBlob) List(_ context.Context, prefix string) ([]string, error) {
	var out []string
	for _, k := range b.keys() {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (b *memBlob) keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.objs))
	for k := range b.objs {
		out = append(out, k)
	}
	return out
}

func settledMarket(t *testing.T, store *memory.MarketStore, n int, at time.Time) domain.Market {
	t.Helper()
	ctx := context.Background()
	m, err := store.Create(ctx, domain.Market{
		PreDeployID: common.BigToHash(big.NewInt(int64(n))),
		Terms:       domain.Terms{EventID: fmt.Sprintf("E%d", n), Description: "D", CloseTimestamp: 1, ChainID: 1},
	})
	require.NoError(t, err)

	vault := common.HexToAddress("0x01")
	p := 60
	side := domain.SideYes
	m.VaultAddress = &vault
	m.Probability = &p
	m.YesAmount = big.NewInt(600)
	m.NoAmount = big.NewInt(400)
	m.WinningSide = &side
	m.SettledAt = &at
	m, err = store.Update(ctx, m)
	require.NoError(t, err)
	return m
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestArchiveSettledWritesDay(t *testing.T) {
	store := memory.NewMarketStore()
	audit := memory.NewAuditStore()
	blob := newMemBlob()
	a := NewArchiver(blob, blob, store, audit, quiet())

	day := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	settledMarket(t, store, 1, day.Add(2*time.Hour))
	settledMarket(t, store, 2, day.Add(23*time.Hour))
	settledMarket(t, store, 3, day.Add(25*time.Hour))

	n, err := a.ArchiveSettled(context.Background(), day.Add(12*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	path := "settled/2025/01/31.jsonl"
	assert.Equal(t, []string{path}, blob.keys())
	assert.Equal(t, "application/x-ndjson", blob.types[path])
	assert.Equal(t, 2, strings.Count(string(blob.objs[path]), "\n"))
	assert.Contains(t, string(blob.objs[path]), `"state":"settled"`)

	back, err := a.ReadSettled(context.Background(), day)
	require.NoError(t, err)
	require.Len(t, back, 2)
	assert.Equal(t, "E1", back[0].EventID)
	assert.Equal(t, "600", back[0].YesAmount.String())
	require.NotNil(t, back[1].WinningSide)
	assert.Equal(t, domain.SideYes, *back[1].WinningSide)

	entries, err := audit.List(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "archive.settled", entries[0].Event)
	assert.Equal(t, path, entries[0].Detail["path"])

	// Records stay in the primary store.
	all, err := store.ListAll(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestArchiveSettledEmptyDay(t *testing.T) {
	blob := newMemBlob()
	a := NewArchiver(blob, blob, memory.NewMarketStore(), nil, quiet())

	n, err := a.ArchiveSettled(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, blob.keys())
}

func TestCatchUpSkipsExisting(t *testing.T) {
	store := memory.NewMarketStore()
	blob := newMemBlob()
	a := NewArchiver(blob, blob, store, nil, quiet())
	today := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return today }

	settledMarket(t, store, 1, today.Add(-12*time.Hour))
	path := SettledPath(today.Add(-24 * time.Hour))
	blob.objs[path] = []byte("kept\n")

	a.catchUp(context.Background())
	assert.Equal(t, "kept\n", string(blob.objs[path]))

	delete(blob.objs, path)
	a.catchUp(context.Background())
	assert.Contains(t, string(blob.objs[path]), `"eventId":"E1"`)
}

func TestCatchUpBackfillsAcrossMonths(t *testing.T) {
	store := memory.NewMarketStore()
	blob := newMemBlob()
	a := NewArchiver(blob, blob, store, nil, quiet())
	today := time.Date(2025, 3, 2, 1, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return today }

	settledMarket(t, store, 1, time.Date(2025, 2, 26, 10, 0, 0, 0, time.UTC))
	settledMarket(t, store, 2, time.Date(2025, 3, 1, 23, 0, 0, 0, time.UTC))
	settledMarket(t, store, 3, time.Date(2025, 2, 10, 10, 0, 0, 0, time.UTC))
	settledMarket(t, store, 4, today)

	a.catchUp(context.Background())
	assert.ElementsMatch(t, []string{
		"settled/2025/02/26.jsonl",
		"settled/2025/03/01.jsonl",
	}, blob.keys(), "outside the window and today are left alone")
}

func TestReadSettledMissing(t *testing.T) {
	blob := newMemBlob()
	a := NewArchiver(blob, blob, memory.NewMarketStore(), nil, quiet())
	_, err := a.ReadSettled(context.Background(), time.Now())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSettledPath(t *testing.T) {
	loc := time.FixedZone("x", 10*3600)
	assert.Equal(t, "settled/2025/01/31.jsonl", SettledPath(time.Date(2025, 2, 1, 5, 0, 0, 0, loc)))
}

func TestNormalise(t *testing.T) {
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "http://x", normaliseEndpoint("http://x", true))
	assert.Equal(t, "", normalisePrefix("/"))
	assert.Equal(t, "oraclex/", normalisePrefix("/oraclex/"))
}

func TestNewRequiresBucketAndRegion(t *testing.T) {
	_, err := New(context.Background(), ClientConfig{Region: "us-east-1"})
	assert.Error(t, err)
	_, err = New(context.Background(), ClientConfig{Bucket: "b"})
	assert.Error(t, err)
}

func TestNewCredentialPairing(t *testing.T) {
	_, err := New(context.Background(), ClientConfig{Bucket: "b", Region: "us-east-1", AccessKey: "only"})
	assert.ErrorContains(t, err, "set together")

	c, err := New(context.Background(), ClientConfig{
		Bucket: "b", Region: "us-east-1", AccessKey: "a", SecretKey: "s",
		Endpoint: "minio:9000", ForcePathStyle: true, Prefix: "archive",
	})
	require.NoError(t, err)
	assert.Equal(t, "b", c.Bucket())
	assert.Equal(t, "archive/", c.Prefix())

	var o s3.Options
	for _, fn := range s3Options(ClientConfig{Endpoint: "minio:9000", ForcePathStyle: true}) {
		fn(&o)
	}
	assert.True(t, o.UsePathStyle)
	require.NotNil(t, o.BaseEndpoint)
	assert.Equal(t, "http://minio:9000", *o.BaseEndpoint)
}
