package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/strandkv/strand/internal/errs"
	"github.com/strandkv/strand/internal/model"
)

// Wire DTOs. json encodes []byte as base64, which keeps arbitrary binary
// keys and values intact over the wire.

type wireVersion struct {
	Writer  string `json:"writer"`
	Counter uint64 `json:"counter"`
}

type wireEntry struct {
	Key       []byte      `json:"key"`
	Value     []byte      `json:"value,omitempty"`
	Version   wireVersion `json:"version"`
	Tombstone bool        `json:"tombstone,omitempty"`
}

type wireMember struct {
	ID          string `json:"id"`
	Addr        string `json:"addr"`
	State       string `json:"state"`
	Incarnation uint64 `json:"incarnation"`
}

type wireDelete struct {
	Key     []byte      `json:"key"`
	Version wireVersion `json:"version"`
}

type wireRange struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

type wireIndirectPing struct {
	Target string `json:"target"`
}

type wireRangeResult struct {
	Count int `json:"count"`
}

func toWireEntry(e model.Entry) wireEntry {
	return wireEntry{
		Key:       e.Key,
		Value:     e.Value,
		Version:   wireVersion{Writer: string(e.Version.Writer), Counter: e.Version.Counter},
		Tombstone: e.Tombstone,
	}
}

func fromWireEntry(w wireEntry) model.Entry {
	return model.Entry{
		Key:       w.Key,
		Value:     w.Value,
		Version:   model.Version{Writer: model.NodeID(w.Version.Writer), Counter: w.Version.Counter},
		Tombstone: w.Tombstone,
	}
}

func toWireMembers(members []model.PhysicalNode) []wireMember {
	out := make([]wireMember, 0, len(members))
	for _, m := range members {
		out = append(out, wireMember{
			ID:          string(m.ID),
			Addr:        m.Addr,
			State:       string(m.State),
			Incarnation: m.Incarnation,
		})
	}
	return out
}

func fromWireMembers(members []wireMember) []model.PhysicalNode {
	out := make([]model.PhysicalNode, 0, len(members))
	for _, m := range members {
		out = append(out, model.PhysicalNode{
			ID:          model.NodeID(m.ID),
			Addr:        m.Addr,
			State:       model.NodeState(m.State),
			Incarnation: m.Incarnation,
		})
	}
	return out
}

// HTTPTransport is the network-backed Transport. Peer addresses come from
// the resolver so topology changes take effect without reconfiguration.
type HTTPTransport struct {
	resolver AddrResolver
	client   *http.Client
	logger   *zap.Logger
}

// NewHTTPTransport creates a transport using the given resolver. A nil
// client falls back to http.DefaultClient; per-call deadlines come from the
// caller's context either way.
func NewHTTPTransport(resolver AddrResolver, client *http.Client, logger *zap.Logger) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPTransport{resolver: resolver, client: client, logger: logger}
}

func (t *HTTPTransport) endpoint(op string, node model.NodeID, path string) (string, error) {
	addr, ok := t.resolver.AddrOf(node)
	if !ok {
		return "", errs.Wrap(op, string(node), fmt.Errorf("%w: unknown address", errs.ErrNodeUnreachable))
	}
	return "http://" + addr + path, nil
}

// do sends a JSON request and decodes a JSON response into out (when out is
// non-nil). Network failures map to NodeUnreachable; a 404 maps to
// KeyNotFound.
func (t *HTTPTransport) do(ctx context.Context, op string, node model.NodeID, method, path string, in, out any) error {
	endpoint, err := t.endpoint(op, node, path)
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return errs.Wrap(op, string(node), fmt.Errorf("%w: %v", errs.ErrNodeUnreachable, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errs.Wrap(op, string(node), errs.ErrKeyNotFound)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errs.Wrap(op, string(node), fmt.Errorf("peer returned %d: %s", resp.StatusCode, msg))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s: decode response: %w", op, err)
		}
	}
	return nil
}

// Ping implements Transport.
func (t *HTTPTransport) Ping(ctx context.Context, node model.NodeID) error {
	return t.do(ctx, "http.ping", node, http.MethodGet, "/internal/ping", nil, nil)
}

// IndirectPing implements Transport.
func (t *HTTPTransport) IndirectPing(ctx context.Context, via, target model.NodeID) error {
	return t.do(ctx, "http.indirect_ping", via, http.MethodPost, "/internal/ping/indirect",
		wireIndirectPing{Target: string(target)}, nil)
}

// Get implements Transport.
func (t *HTTPTransport) Get(ctx context.Context, node model.NodeID, key []byte) (model.Entry, error) {
	endpointPath := "/internal/kv?key=" + url.QueryEscape(string(key))
	var w wireEntry
	if err := t.do(ctx, "http.get", node, http.MethodGet, endpointPath, nil, &w); err != nil {
		return model.Entry{}, err
	}
	return fromWireEntry(w), nil
}

// Set implements Transport.
func (t *HTTPTransport) Set(ctx context.Context, node model.NodeID, entry model.Entry) error {
	return t.do(ctx, "http.set", node, http.MethodPost, "/internal/kv", toWireEntry(entry), nil)
}

// Delete implements Transport.
func (t *HTTPTransport) Delete(ctx context.Context, node model.NodeID, key []byte, version model.Version) error {
	return t.do(ctx, "http.delete", node, http.MethodPost, "/internal/kv/delete",
		wireDelete{Key: key, Version: wireVersion{Writer: string(version.Writer), Counter: version.Counter}}, nil)
}

// BulkCopy implements Transport. Entries arrive as a newline-delimited JSON
// stream so the source never buffers the whole range.
func (t *HTTPTransport) BulkCopy(ctx context.Context, node model.NodeID, rng model.TokenRange, fn func(model.Entry) error) error {
	endpoint, err := t.endpoint("http.bulk_copy", node, "/internal/bulkcopy")
	if err != nil {
		return err
	}

	buf, err := json.Marshal(wireRange{Start: rng.Start, End: rng.End})
	if err != nil {
		return fmt.Errorf("http.bulk_copy: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("http.bulk_copy: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return errs.Wrap("http.bulk_copy", string(node), fmt.Errorf("%w: %v", errs.ErrNodeUnreachable, err))
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return errs.Wrap("http.bulk_copy", string(node), fmt.Errorf("peer returned %d", resp.StatusCode))
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var w wireEntry
		if err := dec.Decode(&w); err == io.EOF {
			return nil
		} else if err != nil {
			return errs.Wrap("http.bulk_copy", string(node), fmt.Errorf("%w: stream: %v", errs.ErrNodeUnreachable, err))
		}
		if err := fn(fromWireEntry(w)); err != nil {
			return fmt.Errorf("bulk copy consumer: %w", err)
		}
	}
}

// Count implements Transport.
func (t *HTTPTransport) Count(ctx context.Context, node model.NodeID, rng model.TokenRange) (int, error) {
	var out wireRangeResult
	err := t.do(ctx, "http.count", node, http.MethodPost, "/internal/range/count",
		wireRange{Start: rng.Start, End: rng.End}, &out)
	return out.Count, err
}

// DeleteRange implements Transport.
func (t *HTTPTransport) DeleteRange(ctx context.Context, node model.NodeID, rng model.TokenRange) (int, error) {
	var out wireRangeResult
	err := t.do(ctx, "http.delete_range", node, http.MethodPost, "/internal/range/delete",
		wireRange{Start: rng.Start, End: rng.End}, &out)
	return out.Count, err
}

// Gossip implements Transport.
func (t *HTTPTransport) Gossip(ctx context.Context, node model.NodeID, local []model.PhysicalNode) ([]model.PhysicalNode, error) {
	var remote []wireMember
	if err := t.do(ctx, "http.gossip", node, http.MethodPost, "/internal/gossip", toWireMembers(local), &remote); err != nil {
		return nil, err
	}
	return fromWireMembers(remote), nil
}
