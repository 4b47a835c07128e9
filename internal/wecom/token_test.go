package wecom

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type fakeFetcher struct {
	calls int
	token AccessToken
	err   error
}

func (f *fakeFetcher) FetchAccessToken(context.Context, string, string) (AccessToken, error) {
	f.calls++
	if f.err != nil {
		return AccessToken{}, f.err
	}
	return f.token, nil
}

func TestTokenCacheReusesFreshToken(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{token: AccessToken{Token: "t1", ExpiresIn: 7200}}
	cache := NewTokenCache(nil, fetcher)

	for i := 0; i < 3; i++ {
		token, err := cache.Token(context.Background(), "corp", "secret")
		if err != nil {
			t.Fatalf("Token: %v", err)
		}
		if token != "t1" {
			t.Fatalf("token = %q", token)
		}
	}
	if fetcher.calls != 1 {
		t.Fatalf("fetched %d times, want 1", fetcher.calls)
	}
}

func TestTokenCacheRefreshesInsideMargin(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{token: AccessToken{Token: "t1", ExpiresIn: 7200}}
	cache := NewTokenCache(nil, fetcher)

	now := time.Now()
	cache.now = func() time.Time { return now }
	if _, err := cache.Token(context.Background(), "corp", "secret"); err != nil {
		t.Fatalf("Token: %v", err)
	}

	// Advance to four minutes before expiry, inside the refresh margin.
	cache.now = func() time.Time { return now.Add(7200*time.Second - 4*time.Minute) }
	fetcher.token = AccessToken{Token: "t2", ExpiresIn: 7200}
	token, err := cache.Token(context.Background(), "corp", "secret")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if token != "t2" {
		t.Fatalf("token = %q, want refreshed t2", token)
	}
	if fetcher.calls != 2 {
		t.Fatalf("fetched %d times, want 2", fetcher.calls)
	}
}

func TestTokenCacheKeysByCorpAndSecret(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{token: AccessToken{Token: "t", ExpiresIn: 7200}}
	cache := NewTokenCache(nil, fetcher)

	pairs := [][2]string{{"corpA", "s1"}, {"corpA", "s2"}, {"corpB", "s1"}}
	for _, pair := range pairs {
		if _, err := cache.Token(context.Background(), pair[0], pair[1]); err != nil {
			t.Fatalf("Token(%v): %v", pair, err)
		}
	}
	if fetcher.calls != len(pairs) {
		t.Fatalf("fetched %d times, want %d", fetcher.calls, len(pairs))
	}
}

func TestTokenCachePropagatesFetchError(t *testing.T) {
	t.Parallel()

	fetchErr := &APIError{Code: 40001, Message: "invalid credential"}
	cache := NewTokenCache(nil, &fakeFetcher{err: fetchErr})

	_, err := cache.Token(context.Background(), "corp", "secret")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != 40001 {
		t.Fatalf("err = %v", err)
	}
}

func TestTokenCacheReset(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{token: AccessToken{Token: "t", ExpiresIn: 7200}}
	cache := NewTokenCache(nil, fetcher)
	if _, err := cache.Token(context.Background(), "corp", "secret"); err != nil {
		t.Fatalf("Token: %v", err)
	}
	cache.Reset()
	if _, err := cache.Token(context.Background(), "corp", "secret"); err != nil {
		t.Fatalf("Token: %v", err)
	}
	if fetcher.calls != 2 {
		t.Fatalf("fetched %d times after reset, want 2", fetcher.calls)
	}
}

func TestAPIErrorFormatting(t *testing.T) {
	t.Parallel()

	err := &APIError{Code: 45009, Message: "api freq out of limit"}
	want := fmt.Sprintf("wecom api error %d: %s", 45009, "api freq out of limit")
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
	if err.IsTransport() {
		t.Fatal("vendor error misreported as transport")
	}
	if !(&APIError{Code: CodeTransport}).IsTransport() {
		t.Fatal("transport sentinel not recognized")
	}
}
