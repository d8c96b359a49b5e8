package admin

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/maxpert/waltail/encoding"
	"github.com/maxpert/waltail/tick"
	"github.com/maxpert/waltail/walaccess"
)

// Client pulls markers from a leader's WAL endpoints
type Client struct {
	baseURL  string
	secret   string
	serverID uint64
	http     *http.Client
}

// NewClient creates a client for the server at baseURL. serverID
// identifies this follower to the leader; 0 stays anonymous.
func NewClient(baseURL, secret string, serverID uint64) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		secret:   secret,
		serverID: serverID,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

// TailRequest selects what to fetch
type TailRequest struct {
	From          tick.Tick
	To            tick.Tick // tick.None means up to the head
	ChunkSize     int
	Database      string
	Collection    string
	IncludeSystem bool
	Cursor        *walaccess.Cursor // Overrides From when set
}

// TailResponse is one fetched chunk and the leader's position headers
type TailResponse struct {
	Markers          []MarkerRecord
	FromTickIncluded bool
	LastIncluded     tick.Tick
	LastScanned      tick.Tick
	CheckMore        bool
	LastTick         tick.Tick
}

// ResumeTick is where the next request should start
func (r TailResponse) ResumeTick() tick.Tick {
	last := r.LastIncluded
	if r.LastScanned > last {
		last = r.LastScanned
	}
	return last.Next()
}

// Range fetches the retained tick range
func (c *Client) Range(ctx context.Context) (tick.Range, error) {
	var body rangeResponse
	if err := c.getJSON(ctx, "/wal/range", nil, &body); err != nil {
		return tick.Range{}, err
	}
	return tick.Range{Min: body.TickMin, Max: body.TickMax}, nil
}

// LastTick fetches the leader's head
func (c *Client) LastTick(ctx context.Context) (tick.Tick, error) {
	var body lastTickResponse
	if err := c.getJSON(ctx, "/wal/lastTick", nil, &body); err != nil {
		return tick.None, err
	}
	return body.LastTick, nil
}

// OpenTransactions lists transactions open at the end of [from, to] and the
// earliest begin tick among them, tick.None when there are none
func (c *Client) OpenTransactions(ctx context.Context, from, to tick.Tick, database string) ([]uint64, tick.Tick, error) {
	q := url.Values{}
	q.Set("from", from.String())
	if to != tick.None {
		q.Set("to", to.String())
	}
	if database != "" {
		q.Set("database", database)
	}

	var body openTransactionsResponse
	if err := c.getJSON(ctx, "/wal/open-transactions", q, &body); err != nil {
		return nil, tick.None, err
	}

	ids := make([]uint64, 0, len(body.Transactions))
	begin := tick.None
	for _, t := range body.Transactions {
		id, err := strconv.ParseUint(t.ID, 10, 64)
		if err != nil {
			return nil, tick.None, fmt.Errorf("invalid transaction id %q: %w", t.ID, err)
		}
		ids = append(ids, id)
		if begin == tick.None || t.Tick < begin {
			begin = t.Tick
		}
	}
	return ids, begin, nil
}

// Tail fetches one chunk of markers
func (c *Client) Tail(ctx context.Context, req TailRequest) (TailResponse, error) {
	q := url.Values{}
	q.Set("from", req.From.String())
	if req.Cursor != nil {
		q.Set("from", req.Cursor.TickStart.String())
		if len(req.Cursor.TransactionIDs) > 0 {
			ids := make([]string, 0, len(req.Cursor.TransactionIDs))
			for _, id := range req.Cursor.TransactionIDs {
				ids = append(ids, strconv.FormatUint(id, 10))
			}
			q.Set("transactionIds", strings.Join(ids, ","))
			q.Set("firstRegularTick", req.Cursor.FirstRegularTick.String())
		}
	}
	if req.To != tick.None {
		q.Set("to", req.To.String())
	}
	if req.ChunkSize > 0 {
		q.Set("chunkSize", strconv.Itoa(req.ChunkSize))
	}
	if req.Database != "" {
		q.Set("database", req.Database)
	}
	if req.Collection != "" {
		q.Set("collection", req.Collection)
	}
	if req.IncludeSystem {
		q.Set("includeSystem", "true")
	}
	if c.serverID != 0 {
		q.Set("serverId", strconv.FormatUint(c.serverID, 10))
	}

	resp, err := c.do(ctx, "/wal/tail", q, "zstd")
	if err != nil {
		return TailResponse{}, err
	}
	defer resp.Body.Close()

	var out TailResponse
	if err := out.readHeaders(resp.Header); err != nil {
		return out, err
	}
	if resp.StatusCode == http.StatusNoContent {
		return out, nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return out, fmt.Errorf("failed to read tail body: %w", err)
	}
	if resp.Header.Get("Content-Encoding") == "zstd" {
		if raw, err = encoding.Decompress(raw); err != nil {
			return out, fmt.Errorf("failed to decompress tail body: %w", err)
		}
	}

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 64<<10), len(raw)+1)
	for scanner.Scan() {
		var rec MarkerRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return out, fmt.Errorf("invalid marker record: %w", err)
		}
		out.Markers = append(out.Markers, rec)
	}
	return out, scanner.Err()
}

func (r *TailResponse) readHeaders(h http.Header) error {
	var err error
	if r.FromTickIncluded, err = strconv.ParseBool(h.Get(HeaderFromTickIncluded)); err != nil {
		return fmt.Errorf("invalid %s header: %w", HeaderFromTickIncluded, err)
	}
	if r.CheckMore, err = strconv.ParseBool(h.Get(HeaderCheckMore)); err != nil {
		return fmt.Errorf("invalid %s header: %w", HeaderCheckMore, err)
	}
	if r.LastIncluded, err = tick.Parse(h.Get(HeaderLastIncluded)); err != nil {
		return err
	}
	if r.LastScanned, err = tick.Parse(h.Get(HeaderLastScanned)); err != nil {
		return err
	}
	if r.LastTick, err = tick.Parse(h.Get(HeaderLastTick)); err != nil {
		return err
	}
	return nil
}

// StatusError is returned for non-2xx responses
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("wal api returned %d: %s", e.Status, e.Message)
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, v interface{}) error {
	resp, err := c.do(ctx, path, q, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(v)
}

// do issues a GET and turns error statuses into StatusError
func (c *Client) do(ctx context.Context, path string, q url.Values, acceptEncoding string) (*http.Response, error) {
	target := c.baseURL + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if c.secret != "" {
		req.Header.Set(SecretHeader, c.secret)
	}
	if acceptEncoding != "" {
		req.Header.Set("Accept-Encoding", acceptEncoding)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return nil, &StatusError{Status: resp.StatusCode, Message: body.Error}
	}
	return resp, nil
}
