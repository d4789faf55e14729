package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	method    string
	query     string
	form      map[string]string
	signature string
	ctype     string
}

func newServer(t *testing.T, status int, body string) (*httptest.Server, *[]captured, *sync.Mutex) {
	t.Helper()
	var mu sync.Mutex
	var got []captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		c := captured{
			method:    r.Method,
			query:     r.URL.RawQuery,
			form:      map[string]string{},
			signature: r.Header.Get(SignatureHeader),
			ctype:     r.Header.Get("Content-Type"),
		}
		for k := range r.PostForm {
			c.form[k] = r.PostForm.Get(k)
		}
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &got, &mu
}

func TestFetchPostsForm(t *testing.T) {
	srv, got, _ := newServer(t, http.StatusOK, "<Response/>")
	c := NewClient(Config{})

	body, err := c.Fetch(context.Background(), srv.URL+"/answer", "", map[string]string{"CallUUID": "leg-a"})
	require.NoError(t, err)
	assert.Equal(t, "<Response/>", string(body))

	require.Len(t, *got, 1)
	assert.Equal(t, http.MethodPost, (*got)[0].method)
	assert.Equal(t, formContentType, (*got)[0].ctype)
	assert.Equal(t, "leg-a", (*got)[0].form["CallUUID"])
	assert.Empty(t, (*got)[0].signature)
}

func TestFetchGetUsesQuery(t *testing.T) {
	srv, got, _ := newServer(t, http.StatusOK, "")
	c := NewClient(Config{})

	_, err := c.Fetch(context.Background(), srv.URL+"/answer?x=1", "get", map[string]string{"Digits": "12"})
	require.NoError(t, err)
	require.Len(t, *got, 1)
	assert.Equal(t, http.MethodGet, (*got)[0].method)
	assert.Equal(t, "Digits=12&x=1", (*got)[0].query)
}

func TestFetchErrors(t *testing.T) {
	srv, _, _ := newServer(t, http.StatusInternalServerError, "oops")
	c := NewClient(Config{})

	_, err := c.Fetch(context.Background(), srv.URL, "POST", nil)
	assert.ErrorIs(t, err, ErrStatus)

	_, err = c.Fetch(context.Background(), "not a url", "POST", nil)
	assert.Error(t, err)

	_, err = c.Fetch(context.Background(), srv.URL, "PATCH", nil)
	assert.Error(t, err)
}

func TestSignedRequests(t *testing.T) {
	srv, got, _ := newServer(t, http.StatusOK, "")
	c := NewClient(Config{AuthToken: "secret"})
	params := map[string]string{"b": "2", "a": "1"}

	_, err := c.Fetch(context.Background(), srv.URL+"/hook", "POST", params)
	require.NoError(t, err)
	require.Len(t, *got, 1)

	sig := (*got)[0].signature
	assert.True(t, Verify("secret", srv.URL+"/hook", params, sig))
	assert.False(t, Verify("other", srv.URL+"/hook", params, sig))
	assert.False(t, Verify("secret", srv.URL+"/hook", map[string]string{"a": "1"}, sig))
}

func TestSignIsOrderIndependent(t *testing.T) {
	a := Sign("k", "http://x", map[string]string{"a": "1", "b": "2"})
	b := Sign("k", "http://x", map[string]string{"b": "2", "a": "1"})
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestNotifyIsBestEffort(t *testing.T) {
	srv, got, mu := newServer(t, http.StatusServiceUnavailable, "")
	c := NewClient(Config{})

	c.Notify(srv.URL+"/hangup", "POST", map[string]string{"HangupCause": "NORMAL_CLEARING"})
	c.Notify("", "POST", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *got, 1, "failed notification is not retried")
	assert.Equal(t, "NORMAL_CLEARING", (*got)[0].form["HangupCause"])
}
