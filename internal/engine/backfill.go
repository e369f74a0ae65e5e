package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/briefdesk/chatsync/internal/protocol"
)

// maxBackfillBody caps how much of a backfill response is read. A page
// of a hundred chat messages fits comfortably under this.
const maxBackfillBody = 8 * 1024 * 1024

// backfillFetcher closes sequence gaps by paging through the REST
// history endpoint. Pages apply strictly in order; the target sequence
// extends when a response reports a newer head, so messages confirmed
// while recovery is running are not missed.
type backfillFetcher struct {
	baseURL        string
	conversationID string
	token          string
	client         *http.Client
	logger         *slog.Logger

	attempts int
	backoff  time.Duration
	pageSize int

	// apply absorbs one page of confirmed messages into the log.
	apply func(batch []protocol.Message)
}

// fill fetches every message from fromSeq up to at least latestSeq.
// A transient page failure retries with linear backoff; exhausting the
// retries returns ErrGapUnrecoverable because presenting a conversation
// with a hole is worse than failing loudly.
func (f *backfillFetcher) fill(ctx context.Context, fromSeq, latestSeq int64) error {
	from := fromSeq
	target := latestSeq

	var applied int64

	for {
		page, err := f.fetchPageWithRetry(ctx, from)
		if err != nil {
			return err
		}

		f.apply(page.Messages)

		if n := len(page.Messages); n > 0 && page.Messages[n-1].Seq > applied {
			applied = page.Messages[n-1].Seq
		}

		if page.LatestSeq > target {
			f.logger.Debug("backfill target extended",
				"old_target", target, "new_target", page.LatestSeq)

			target = page.LatestSeq
		}

		if page.NextFromSeq != nil {
			from = *page.NextFromSeq
			continue
		}

		// The server reports the range exhausted.
		if applied >= target {
			return nil
		}

		// Exhausted short of the target: the missing messages are not
		// coming, so the gap cannot be closed.
		if len(page.Messages) == 0 {
			return fmt.Errorf("%w: no messages at seq %d while head is %d",
				ErrGapUnrecoverable, from, target)
		}

		from = applied + 1
	}
}

func (f *backfillFetcher) fetchPageWithRetry(ctx context.Context, fromSeq int64) (protocol.BackfillPage, error) {
	var lastErr error

	for attempt := 1; attempt <= f.attempts; attempt++ {
		page, err := f.fetchPage(ctx, fromSeq)
		if err == nil {
			return page, nil
		}

		if !IsTransient(err) {
			return protocol.BackfillPage{}, err
		}

		lastErr = err

		f.logger.Warn("backfill page fetch failed",
			"from_seq", fromSeq, "attempt", attempt, "error", err)

		if attempt == f.attempts {
			break
		}

		select {
		case <-time.After(time.Duration(attempt) * f.backoff):
		case <-ctx.Done():
			return protocol.BackfillPage{}, ctx.Err()
		}
	}

	return protocol.BackfillPage{}, fmt.Errorf("%w: page from seq %d: %v",
		ErrGapUnrecoverable, fromSeq, lastErr)
}

func (f *backfillFetcher) fetchPage(ctx context.Context, fromSeq int64) (protocol.BackfillPage, error) {
	u, err := url.Parse(f.baseURL)
	if err != nil {
		return protocol.BackfillPage{}, fmt.Errorf("parsing backfill URL: %w", err)
	}

	u.Path = "/api/conversations/" + url.PathEscape(f.conversationID) + "/messages"

	q := u.Query()
	q.Set("from_seq", strconv.FormatInt(fromSeq, 10))
	q.Set("limit", strconv.Itoa(f.pageSize))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return protocol.BackfillPage{}, fmt.Errorf("building backfill request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+f.token)

	resp, err := f.client.Do(req)
	if err != nil {
		return protocol.BackfillPage{}, &TransientError{Err: fmt.Errorf("fetching backfill page: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBackfillBody))
	if err != nil {
		return protocol.BackfillPage{}, &TransientError{Err: fmt.Errorf("reading backfill response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("backfill endpoint returned %d", resp.StatusCode)
		if isTransientStatus(resp.StatusCode) {
			return protocol.BackfillPage{}, &TransientError{Err: err}
		}

		return protocol.BackfillPage{}, err
	}

	var page protocol.BackfillPage
	if err := json.Unmarshal(body, &page); err != nil {
		return protocol.BackfillPage{}, fmt.Errorf("decoding backfill page: %w", err)
	}

	return page, nil
}

// isTransientStatus reports whether an HTTP status is worth retrying.
func isTransientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
