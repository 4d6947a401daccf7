package safeurl_test

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"testing"

	"github.com/consoul-dev/consoul-hooks/webhook/safeurl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

/* fakeResolver maps hostnames to fixed answers so the SSRF table does
 * not depend on real DNS.
 */
type fakeResolver struct {
	answers map[string][]netip.Addr
}

func (f *fakeResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	addrs, ok := f.answers[host]
	if !ok {
		return nil, fmt.Errorf("no such host: %s", host)
	}
	return addrs, nil
}

func resolver() *fakeResolver {
	return &fakeResolver{answers: map[string][]netip.Addr{
		"example.com":       {netip.MustParseAddr("93.184.216.34")},
		"internal.evil.com": {netip.MustParseAddr("10.1.2.3")},
		"mixed.evil.com": {
			netip.MustParseAddr("93.184.216.34"),
			netip.MustParseAddr("192.168.1.1"),
		},
	}}
}

func TestValidateSSRFBlocking(t *testing.T) {
	v := safeurl.New(safeurl.WithResolver(resolver()))
	ctx := context.Background()

	blocked := []string{
		"https://127.0.0.1/hook",
		"https://10.0.0.5/hook",
		"https://172.16.0.1/hook",
		"https://192.168.1.1/hook",
		"https://169.254.169.254/latest/meta-data/",
		"https://0.0.0.0/hook",
		"https://[::1]/hook",
		"https://[fe80::1]/hook",
		"https://metadata.google.internal/computeMetadata/v1/",
		"https://internal.evil.com/hook",
	}
	for _, raw := range blocked {
		t.Run(raw, func(t *testing.T) {
			_, err := v.Validate(ctx, raw)
			var verr *safeurl.ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}

	t.Run("any internal resolved address blocks the whole host", func(t *testing.T) {
		_, err := v.Validate(ctx, "https://mixed.evil.com/hook")
		require.Error(t, err)
	})

	t.Run("public host passes", func(t *testing.T) {
		vu, err := v.Validate(ctx, "https://example.com/hook")
		require.NoError(t, err)
		assert.Equal(t, "example.com", vu.Hostname)
		assert.Len(t, vu.Addrs, 1)
	})
}

func TestValidateScheme(t *testing.T) {
	v := safeurl.New(safeurl.WithResolver(resolver()))
	ctx := context.Background()

	t.Run("http rejected by default", func(t *testing.T) {
		_, err := v.Validate(ctx, "http://example.com/hook")
		require.Error(t, err)
	})

	t.Run("ftp rejected always", func(t *testing.T) {
		_, err := v.Validate(ctx, "ftp://example.com/hook")
		require.Error(t, err)
	})

	t.Run("missing hostname rejected", func(t *testing.T) {
		_, err := v.Validate(ctx, "https:///hook")
		require.Error(t, err)
	})

	t.Run("unresolvable hostname rejected", func(t *testing.T) {
		_, err := v.Validate(ctx, "https://does-not-exist.invalid/hook")
		require.Error(t, err)
	})
}

func TestValidateAllowLocalhost(t *testing.T) {
	v := safeurl.New(safeurl.WithResolver(resolver()), safeurl.WithAllowLocalhost(true))
	ctx := context.Background()

	t.Run("loopback and http pass in dev mode", func(t *testing.T) {
		_, err := v.Validate(ctx, "http://127.0.0.1:9999/hook")
		require.NoError(t, err)
	})

	t.Run("private ranges stay blocked in dev mode", func(t *testing.T) {
		_, err := v.Validate(ctx, "http://10.0.0.5/hook")
		require.Error(t, err)
	})

	t.Run("metadata stays blocked in dev mode", func(t *testing.T) {
		_, err := v.Validate(ctx, "http://169.254.169.254/")
		require.Error(t, err)
	})
}

func TestCheckRedirect(t *testing.T) {
	v := safeurl.New(safeurl.WithResolver(resolver()))

	mkReq := func(raw string) *http.Request {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		return (&http.Request{URL: u}).WithContext(context.Background())
	}

	t.Run("same host redirect passes", func(t *testing.T) {
		err := v.CheckRedirect(mkReq("https://example.com/other"), []*http.Request{mkReq("https://example.com/hook")})
		require.NoError(t, err)
	})

	t.Run("cross host redirect rejected", func(t *testing.T) {
		err := v.CheckRedirect(mkReq("https://other.com/hook"), []*http.Request{mkReq("https://example.com/hook")})
		var verr *safeurl.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, verr.Reason, "different host")
	})

	t.Run("redirect to internal address rejected even on same name", func(t *testing.T) {
		via := []*http.Request{mkReq("https://internal.evil.com/a")}
		err := v.CheckRedirect(mkReq("https://internal.evil.com/b"), via)
		require.Error(t, err)
	})

	t.Run("redirect budget enforced", func(t *testing.T) {
		via := make([]*http.Request, safeurl.DefaultMaxRedirects)
		for i := range via {
			via[i] = mkReq("https://example.com/hook")
		}
		err := v.CheckRedirect(mkReq("https://example.com/again"), via)
		var verr *safeurl.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, verr.Reason, "redirects")
	})
}
