package broadcast

import (
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"log/slog"

	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/alert"
	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestServeWS_AckThenBulkThenLiveEvent(t *testing.T) {
	s := store.New(60*time.Second, discardLogger())
	hub := New(discardLogger())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, s)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var ack Frame
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, FrameConnectionAck, ack.Type)

	var bulk Frame
	require.NoError(t, conn.ReadJSON(&bulk))
	require.Equal(t, FrameBulk, bulk.Type)

	a := alert.NewAlert("SV", alert.SignificanceWarning)
	a.ProductID = "SV.CLE.0001"
	a.VTEC = &alert.VTECInfo{Office: "KCLE", Phenomenon: "SV", Significance: alert.SignificanceWarning, EventTrackingNumber: 1, Action: alert.ActionNew}
	a.AffectedAreas = []string{"OHC085"}
	s.Upsert(a)

	var newFrame Frame
	require.NoError(t, conn.ReadJSON(&newFrame))
	require.Equal(t, FrameNew, newFrame.Type)
}

func TestServeWS_PingRepliesWithPong(t *testing.T) {
	s := store.New(60*time.Second, discardLogger())
	hub := New(discardLogger())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, s)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var ack, bulk Frame
	require.NoError(t, conn.ReadJSON(&ack))
	require.NoError(t, conn.ReadJSON(&bulk))

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))

	var pong Frame
	require.NoError(t, conn.ReadJSON(&pong))
	require.Equal(t, FramePong, pong.Type)
}

func TestServeWS_UnsupportedInboundGetsErrorFrame(t *testing.T) {
	s := store.New(60*time.Second, discardLogger())
	hub := New(discardLogger())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, s)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var ack, bulk Frame
	require.NoError(t, conn.ReadJSON(&ack))
	require.NoError(t, conn.ReadJSON(&bulk))

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "some_unknown_control_frame"}))

	var errFrame Frame
	require.NoError(t, conn.ReadJSON(&errFrame))
	require.Equal(t, FrameError, errFrame.Type)
}
