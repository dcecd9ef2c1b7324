package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/bluesky-social/streamtree/pkg/robusthttp"

	"github.com/ipfs/go-cid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Default address of the kubo RPC API.
const DefaultIpfsAPI = "http://127.0.0.1:5001"

// Block store backed by the HTTP RPC API of a kubo (go-ipfs) compatible
// daemon. The daemon is not trusted: every block read back is checked against
// its digest.
type IpfsStore struct {
	Client *http.Client
	Host   string
	// pin blocks as they are written
	Pin bool

	log *slog.Logger
}

var _ BlockStore = (*IpfsStore)(nil)

// Error body returned by the kubo RPC API
type ipfsError struct {
	Message string `json:"Message"`
	Code    int    `json:"Code"`
	Type    string `json:"Type"`
}

type ipfsPutResponse struct {
	Key  string `json:"Key"`
	Size int    `json:"Size"`
}

func NewIpfsStore(host string, logger *slog.Logger) *IpfsStore {
	if host == "" {
		host = DefaultIpfsAPI
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("store", "ipfs", "host", host)
	return &IpfsStore{
		Client: robusthttp.NewClient(robusthttp.WithLogger(logger)),
		Host:   strings.TrimSuffix(host, "/"),
		log:    logger,
	}
}

// Checks that the daemon is reachable and accepts writes, by storing the empty
// block.
func (s *IpfsStore) Ping(ctx context.Context) error {
	_, err := s.Put(ctx, []byte{})
	return err
}

func (s *IpfsStore) Get(ctx context.Context, link cid.Cid) ([]byte, error) {
	ctx, span := otel.Tracer("store").Start(ctx, "IpfsStore.Get", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("cid", link.String())))
	defer span.End()

	params := url.Values{}
	params.Set("arg", link.String())
	resp, err := s.call(ctx, "block/get", params, nil, "")
	if err != nil {
		if IsNotFound(err) {
			return nil, notFound(link)
		}
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading block %s: %w", link, err)
	}
	if err := VerifyBlock(link, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *IpfsStore) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	ctx, span := otel.Tracer("store").Start(ctx, "IpfsStore.Put", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("size", len(data))))
	defer span.End()

	body := new(bytes.Buffer)
	mw := multipart.NewWriter(body)
	fw, err := mw.CreateFormFile("file", "block")
	if err != nil {
		return cid.Undef, err
	}
	if _, err := fw.Write(data); err != nil {
		return cid.Undef, err
	}
	if err := mw.Close(); err != nil {
		return cid.Undef, err
	}

	params := url.Values{}
	params.Set("cid-codec", "raw")
	params.Set("mhtype", "sha2-256")
	params.Set("mhlen", "-1")
	params.Set("pin", fmt.Sprintf("%t", s.Pin))
	resp, err := s.call(ctx, "block/put", params, body.Bytes(), mw.FormDataContentType())
	if err != nil {
		return cid.Undef, err
	}
	defer resp.Body.Close()

	var out ipfsPutResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return cid.Undef, fmt.Errorf("decoding block/put response: %w", err)
	}
	c, err := cid.Decode(out.Key)
	if err != nil {
		return cid.Undef, fmt.Errorf("parsing block/put CID: %w", err)
	}

	expected, err := Digest(data)
	if err != nil {
		return cid.Undef, err
	}
	if !c.Equals(expected) {
		return cid.Undef, fmt.Errorf("%w: daemon returned %s for %s", ErrDigestMismatch, c, expected)
	}
	return c, nil
}

// Invokes an RPC API method. kubo only accepts POST. On non-200 responses the
// body is parsed as an error message.
func (s *IpfsStore) call(ctx context.Context, method string, params url.Values, body []byte, contentType string) (*http.Response, error) {
	u := fmt.Sprintf("%s/api/v0/%s?%s", s.Host, method, params.Encode())

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, rdr)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ipfs %s: %w", method, err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()

	var ie ipfsError
	if err := json.NewDecoder(resp.Body).Decode(&ie); err != nil || ie.Message == "" {
		return nil, fmt.Errorf("ipfs %s: HTTP status %d", method, resp.StatusCode)
	}
	if strings.Contains(strings.ToLower(ie.Message), "not found") {
		s.log.Debug("block missing from daemon", "method", method, "message", ie.Message)
		return nil, notFound(cid.Undef)
	}
	return nil, fmt.Errorf("ipfs %s: %s (HTTP %d)", method, ie.Message, resp.StatusCode)
}
