package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briefdesk/chatsync/internal/protocol"
)

func newTestFetcher(t *testing.T, baseURL string, apply func([]protocol.Message)) *backfillFetcher {
	t.Helper()

	return &backfillFetcher{
		baseURL:        baseURL,
		conversationID: "conv-1",
		token:          "secret",
		client:         &http.Client{Timeout: 5 * time.Second},
		logger:         discardLogger(),
		attempts:       3,
		backoff:        time.Millisecond,
		pageSize:       2,
		apply:          apply,
	}
}

func writePage(t *testing.T, w http.ResponseWriter, page protocol.BackfillPage) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(page))
}

func seqOf(batches [][]protocol.Message) []int64 {
	var seqs []int64

	for _, batch := range batches {
		for _, m := range batch {
			seqs = append(seqs, m.Seq)
		}
	}

	return seqs
}

func TestBackfillPagesThroughRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/conversations/conv-1/messages", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))

		from, err := strconv.ParseInt(r.URL.Query().Get("from_seq"), 10, 64)
		require.NoError(t, err)

		switch from {
		case 1:
			next := int64(3)
			writePage(t, w, protocol.BackfillPage{
				Messages: []protocol.Message{
					confirmed("m1", 1, 1000, "a"),
					confirmed("m2", 2, 2000, "b"),
				},
				LatestSeq:   3,
				NextFromSeq: &next,
			})
		case 3:
			writePage(t, w, protocol.BackfillPage{
				Messages:  []protocol.Message{confirmed("m3", 3, 3000, "c")},
				LatestSeq: 3,
			})
		default:
			t.Errorf("unexpected from_seq %d", from)
		}
	}))
	defer srv.Close()

	var applied [][]protocol.Message

	f := newTestFetcher(t, srv.URL, func(batch []protocol.Message) {
		applied = append(applied, batch)
	})

	require.NoError(t, f.fill(context.Background(), 1, 3))
	assert.Equal(t, []int64{1, 2, 3}, seqOf(applied))
}

func TestBackfillExtendsTargetWhenHeadMoves(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		from, _ := strconv.ParseInt(r.URL.Query().Get("from_seq"), 10, 64)

		switch from {
		case 1:
			// Head advanced to 2 while the gap was being recovered.
			writePage(t, w, protocol.BackfillPage{
				Messages:  []protocol.Message{confirmed("m1", 1, 1000, "a")},
				LatestSeq: 2,
			})
		case 2:
			writePage(t, w, protocol.BackfillPage{
				Messages:  []protocol.Message{confirmed("m2", 2, 2000, "b")},
				LatestSeq: 2,
			})
		default:
			t.Errorf("unexpected from_seq %d", from)
		}
	}))
	defer srv.Close()

	var applied [][]protocol.Message

	f := newTestFetcher(t, srv.URL, func(batch []protocol.Message) {
		applied = append(applied, batch)
	})

	require.NoError(t, f.fill(context.Background(), 1, 1))
	assert.Equal(t, []int64{1, 2}, seqOf(applied))
}

func TestBackfillEmptyPageShortOfTargetIsUnrecoverable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// The server claims a head of 5 but has nothing to hand over.
		writePage(t, w, protocol.BackfillPage{LatestSeq: 5})
	}))
	defer srv.Close()

	var applied [][]protocol.Message

	f := newTestFetcher(t, srv.URL, func(batch []protocol.Message) {
		applied = append(applied, batch)
	})

	err := f.fill(context.Background(), 1, 5)
	assert.ErrorIs(t, err, ErrGapUnrecoverable)
	assert.Empty(t, seqOf(applied))
}

func TestBackfillRetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		writePage(t, w, protocol.BackfillPage{
			Messages:  []protocol.Message{confirmed("m1", 1, 1000, "a")},
			LatestSeq: 1,
		})
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.URL, func([]protocol.Message) {})

	require.NoError(t, f.fill(context.Background(), 1, 1))
	assert.Equal(t, int32(2), calls.Load())
}

func TestBackfillGivesUpAfterRetriesExhausted(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.URL, func([]protocol.Message) {})

	err := f.fill(context.Background(), 1, 5)
	assert.ErrorIs(t, err, ErrGapUnrecoverable)
	assert.Equal(t, int32(3), calls.Load())
}

func TestBackfillFailsFastOnPermanentError(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.URL, func([]protocol.Message) {})

	err := f.fill(context.Background(), 1, 5)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrGapUnrecoverable)
	assert.Equal(t, int32(1), calls.Load())
}
