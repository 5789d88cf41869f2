package joincode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/park285/duel/internal/obslog"
	"github.com/park285/duel/internal/session"
)

type lookupResponse struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// HTTPResolver asks a directory server over HTTP: GET /join/{code}.
type HTTPResolver struct {
	baseURL        string
	http           *fasthttp.Client
	defaultTimeout time.Duration
	retryMax       int
}

type Option func(*HTTPResolver)

func WithTimeout(d time.Duration) Option { return func(r *HTTPResolver) { r.defaultTimeout = d } }

func WithRetry(n int) Option { return func(r *HTTPResolver) { r.retryMax = n } }

func NewHTTPResolver(baseURL string, opts ...Option) *HTTPResolver {
	r := &HTTPResolver{
		baseURL:        strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:           &fasthttp.Client{ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second, MaxConnsPerHost: 8},
		defaultTimeout: 5 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *HTTPResolver) Resolve(ctx context.Context, code string) (string, error) {
	var out lookupResponse
	if err := r.getJSON(ctx, "/join/"+strings.ToUpper(strings.TrimSpace(code)), &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Address) == "" || out.Port <= 0 {
		return "", ErrInvalidJoinCode
	}
	return listingAddr(&session.Listing{Address: out.Address, Port: out.Port}), nil
}

func (r *HTTPResolver) getJSON(ctx context.Context, path string, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()
	req.Header.SetMethod(fasthttp.MethodGet)
	req.SetRequestURI(r.baseURL + path)
	req.Header.Set("Accept", "application/json")

	attempts := r.retryMax
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := r.http.DoDeadline(req, resp, r.deadline(ctx))
		if err == nil {
			status := resp.StatusCode()
			switch {
			case status == fasthttp.StatusNotFound:
				return ErrInvalidJoinCode
			case status >= 200 && status < 300:
				if err := json.Unmarshal(resp.Body(), out); err != nil {
					return fmt.Errorf("decode directory response: %w", err)
				}
				return nil
			case !shouldRetryStatus(status):
				return fmt.Errorf("directory error: status=%d", status)
			}
			err = fmt.Errorf("directory error: status=%d", status)
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
			break
		}
	}
	return fmt.Errorf("directory request failed: %w", lastErr)
}

func (r *HTTPResolver) deadline(ctx context.Context) time.Time {
	own := time.Now().Add(r.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(own) {
		return dl
	}
	return own
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// NewDirectoryHandler serves GET /join/{code} from dir, the endpoint
// HTTPResolver talks to.
func NewDirectoryHandler(dir Directory, logger *zap.Logger) http.Handler {
	logger = obslog.Or(logger)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /join/{code}", func(w http.ResponseWriter, r *http.Request) {
		t, err := Parse(r.PathValue("code"))
		if err != nil || t.Code == "" {
			http.Error(w, "invalid join code", http.StatusNotFound)
			return
		}
		l, err := dir.LookupCode(r.Context(), t.Code)
		if err != nil {
			logger.Warn("directory_lookup_failed", zap.String("code", t.Code), zap.Error(err))
			http.Error(w, "lookup failed", http.StatusInternalServerError)
			return
		}
		if l == nil {
			http.Error(w, "unknown join code", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(lookupResponse{Address: l.Address, Port: l.Port})
	})
	return mux
}
