package downstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/inboxd/mailsync/internal/provider"
)

func TestPushClientDispatch(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewPushClient("labeler", srv.URL, "secret")
	ev := provider.ChangeEvent{
		ConnectionID: "conn-1",
		Kind:         provider.ThreadChanged,
		ThreadID:     "t1",
	}
	if err := p.Dispatch(context.Background(), ev, "100"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if gotAuth != "Bearer secret" {
		t.Errorf("authorization = %q, want Bearer secret", gotAuth)
	}
	if gotBody["connection_id"] != "conn-1" || gotBody["thread_id"] != "t1" || gotBody["cursor"] != "100" {
		t.Errorf("body = %v", gotBody)
	}
}

func TestPushClientDispatchBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewPushClient("labeler", srv.URL, "")
	err := p.Dispatch(context.Background(), provider.ChangeEvent{ConnectionID: "conn-1"}, "100")
	if err == nil {
		t.Fatal("dispatch succeeded against 502")
	}
}
