package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/coachpo/pricemesh/errs"
)

func TestApplyAndFetch(t *testing.T) {
	src := NewSource(Options{URL: "ws://feed.test/quotes"})
	src.apply(quoteFrame{Ref: "q-100", Name: "Fakebook Pro 14", Price: "1299.00", Currency: "usd"})
	src.apply(quoteFrame{Ref: "q-200", Name: "Clacky TKL Keyboard", Price: "$89.50"})
	src.apply(quoteFrame{Ref: "", Name: "ignored"})

	record, err := src.FetchByReference(context.Background(), "q-100")
	if err != nil {
		t.Fatalf("FetchByReference: %v", err)
	}
	if record.Price.String() != "1299" || record.Currency != "USD" {
		t.Fatalf("unexpected record %+v", record)
	}

	_, err = src.FetchByReference(context.Background(), "q-999")
	if errs.KindOf(err) != errs.KindTransient {
		t.Fatalf("expected transient for missing quote, got %v", err)
	}

	records, err := src.Search(context.Background(), "keyboard", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(records) != 1 || records[0].ProductID != "q-200" {
		t.Fatalf("unexpected search results %+v", records)
	}
}

func TestRunStreamsQuotes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() {
			_ = conn.Close(websocket.StatusNormalClosure, "")
		}()
		frame := []byte(`{"ref":"q-300","name":"Blink NVMe SSD 1TB","price":"64.99","currency":"USD"}`)
		if err := conn.Write(r.Context(), websocket.MessageText, frame); err != nil {
			return
		}
		<-r.Context().Done()
	}))
	defer server.Close()

	src := NewSource(Options{URL: server.URL})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- src.Run(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := src.FetchByReference(context.Background(), "q-300"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("quote never arrived")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRunRequiresURL(t *testing.T) {
	src := NewSource(Options{})
	if err := src.Run(context.Background()); errs.KindOf(err) != errs.KindPermanent {
		t.Fatalf("expected permanent config error, got %v", err)
	}
}
