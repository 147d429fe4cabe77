package notify

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"taper/pkg/logx"
)

type pushServer struct {
	*httptest.Server

	mu   sync.Mutex
	hits map[string]int
	hdr  http.Header
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()
	ps := &pushServer{hits: map[string]int{}}
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ps.mu.Lock()
		ps.hits[r.URL.Path]++
		ps.hdr = r.Header.Clone()
		ps.mu.Unlock()
		switch r.URL.Path {
		case "/gone":
			w.WriteHeader(http.StatusGone)
		case "/fail":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusCreated)
		}
	}))
	t.Cleanup(ps.Close)
	return ps
}

func (ps *pushServer) count(path string) int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.hits[path]
}

func subscription(t *testing.T, endpoint string) WebPushSubscription {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		t.Fatal(err)
	}
	return WebPushSubscription{
		Endpoint: endpoint,
		P256dh:   base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
		Auth:     base64.RawURLEncoding.EncodeToString(auth),
	}
}

func vapidConfig(t *testing.T, subs ...WebPushSubscription) WebPushConfig {
	t.Helper()
	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		t.Fatal(err)
	}
	return WebPushConfig{
		Subject:       "mailto:ops@example.com",
		PublicKey:     pub,
		PrivateKey:    priv,
		TTL:           time.Hour,
		Subscriptions: subs,
	}
}

func pushMessage() Message {
	return Compose(reminder("e1"))
}

func TestWebPushDropsGoneSubscriptions(t *testing.T) {
	ps := newPushServer(t)
	cfg := vapidConfig(t,
		subscription(t, ps.URL+"/ok"),
		subscription(t, ps.URL+"/gone"),
		subscription(t, ps.URL+"/fail"),
	)
	s := NewWebPushSink(cfg, logx.Nop())

	if err := s.Send(context.Background(), pushMessage()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if n := s.Subscriptions(); n != 2 {
		t.Fatalf("subscriptions=%d want 2", n)
	}
	ps.mu.Lock()
	enc, ttl := ps.hdr.Get("Content-Encoding"), ps.hdr.Get("TTL")
	ps.mu.Unlock()
	if enc != "aes128gcm" || ttl != "3600" {
		t.Fatalf("content-encoding=%q ttl=%q", enc, ttl)
	}

	if err := s.Send(context.Background(), pushMessage()); err != nil {
		t.Fatalf("second send: %v", err)
	}
	if ps.count("/gone") != 1 || ps.count("/ok") != 2 {
		t.Fatalf("hits=%v", ps.hits)
	}
}

func TestWebPushFailsWhenNothingDelivered(t *testing.T) {
	ps := newPushServer(t)
	s := NewWebPushSink(vapidConfig(t, subscription(t, ps.URL+"/fail")), logx.Nop())
	if err := s.Send(context.Background(), pushMessage()); err == nil {
		t.Fatalf("expected error")
	}
	if s.Subscriptions() != 1 {
		t.Fatalf("failing subscription was dropped")
	}
}

func TestWebPushWithoutSubscriptions(t *testing.T) {
	s := NewWebPushSink(vapidConfig(t), logx.Nop())
	if err := s.Send(context.Background(), pushMessage()); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestWebPushConfigEqual(t *testing.T) {
	a := WebPushConfig{Subject: "mailto:a@b", Subscriptions: []WebPushSubscription{{Endpoint: "x"}}}
	b := a
	b.Subscriptions = []WebPushSubscription{{Endpoint: "x"}}
	if !a.Equal(b) {
		t.Fatalf("equal configs differ")
	}
	b.Subscriptions[0].Auth = "k"
	if a.Equal(b) {
		t.Fatalf("subscription change not detected")
	}
}
