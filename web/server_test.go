package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.viam.com/test"

	"github.com/lilygo-motion/motioncontroller/config"
	"github.com/lilygo-motion/motioncontroller/control"
	"github.com/lilygo-motion/motioncontroller/logging"
)

type move struct {
	position int64
	speed    float64
}

type fakeController struct {
	mu       sync.Mutex
	moves    []move
	jogs     []control.Direction
	stops    int
	jogStops int
	resets   int
	moveErr  error
	status   control.Status
	updates  chan control.Status
}

func newFakeController() *fakeController {
	return &fakeController{updates: make(chan control.Status, 8)}
}

func (f *fakeController) MoveTo(ctx context.Context, position int64, speed float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.moveErr != nil {
		return f.moveErr
	}
	f.moves = append(f.moves, move{position, speed})
	return nil
}

func (f *fakeController) JogStart(ctx context.Context, direction control.Direction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jogs = append(f.jogs, direction)
	return nil
}

func (f *fakeController) JogStop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jogStops++
	return nil
}

func (f *fakeController) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeController) Reset(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *fakeController) Status() control.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeController) Subscribe() (<-chan control.Status, func()) {
	return f.updates, func() {}
}

func (f *fakeController) setStatus(st control.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = st
}

func (f *fakeController) failMoves(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moveErr = err
}

func (f *fakeController) recordedMoves() []move {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]move(nil), f.moves...)
}

type callCounts struct {
	jogs     []control.Direction
	stops    int
	jogStops int
	resets   int
}

func (f *fakeController) counts() callCounts {
	f.mu.Lock()
	defer f.mu.Unlock()
	return callCounts{
		jogs:     append([]control.Direction(nil), f.jogs...),
		stops:    f.stops,
		jogStops: f.jogStops,
		resets:   f.resets,
	}
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *fakeController, *config.Store, *httptest.Server) {
	t.Helper()
	cfg := config.Defaults()
	if mutate != nil {
		mutate(cfg)
	}
	logger := logging.NewTestLogger(t)
	store := config.NewStore("", cfg, logger)
	ctrl := newFakeController()
	s := NewServer(ctrl, store, logger)
	s.Start()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		test.That(t, s.Close(), test.ShouldBeNil)
	})
	return s, ctrl, store, ts
}

func post(t *testing.T, url string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	data, err := json.Marshal(body)
	test.That(t, err, test.ShouldBeNil)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	test.That(t, err, test.ShouldBeNil)
	defer resp.Body.Close()
	var out map[string]interface{}
	test.That(t, json.NewDecoder(resp.Body).Decode(&out), test.ShouldBeNil)
	return resp.StatusCode, out
}

func TestStatusEndpoint(t *testing.T) {
	_, ctrl, _, ts := newTestServer(t, nil)
	ctrl.setStatus(control.Status{Position: 42, EmergencyStop: control.EStopPendingRecovery, ControlMode: control.OpenLoop})

	resp, err := http.Get(ts.URL + "/api/status")
	test.That(t, err, test.ShouldBeNil)
	defer resp.Body.Close()
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)

	var out map[string]interface{}
	test.That(t, json.NewDecoder(resp.Body).Decode(&out), test.ShouldBeNil)
	test.That(t, out["type"], test.ShouldEqual, "status")
	test.That(t, out["position"], test.ShouldEqual, 42.0)
	test.That(t, out["emergency_stop"], test.ShouldEqual, "pending_recovery")
	test.That(t, out["control_mode"], test.ShouldEqual, "open_loop")
}

func TestMoveCommands(t *testing.T) {
	_, ctrl, _, ts := newTestServer(t, nil)

	code, out := post(t, ts.URL+"/api/command", map[string]interface{}{"command": "move", "position": 1200, "speed": 3000})
	test.That(t, code, test.ShouldEqual, http.StatusOK)
	test.That(t, out["type"], test.ShouldEqual, "ack")

	// legacy field name, numbers as strings
	code, _ = post(t, ts.URL+"/api/command", map[string]interface{}{"cmd": "goto", "position": "-55"})
	test.That(t, code, test.ShouldEqual, http.StatusOK)

	test.That(t, ctrl.recordedMoves(), test.ShouldResemble, []move{{1200, 3000}, {-55, 0}})

	for _, tc := range []struct {
		name string
		body map[string]interface{}
	}{
		{"missing position", map[string]interface{}{"command": "move"}},
		{"bad position", map[string]interface{}{"command": "move", "position": "left"}},
		{"negative speed", map[string]interface{}{"command": "move", "position": 1, "speed": -5}},
		{"unknown command", map[string]interface{}{"command": "dance"}},
		{"missing command", map[string]interface{}{"position": 1}},
		{"bad direction", map[string]interface{}{"command": "jogStart", "direction": "sideways"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			code, out := post(t, ts.URL+"/api/command", tc.body)
			test.That(t, code, test.ShouldEqual, http.StatusBadRequest)
			test.That(t, out["type"], test.ShouldEqual, "error")
		})
	}
	test.That(t, ctrl.recordedMoves(), test.ShouldHaveLength, 2)
}

func TestOtherCommands(t *testing.T) {
	_, ctrl, _, ts := newTestServer(t, nil)
	for _, body := range []map[string]interface{}{
		{"command": "jogStart", "direction": "backward"},
		{"command": "jogStart", "direction": "forward"},
		{"command": "jogStop"},
		{"command": "stop"},
		{"command": "reset"},
	} {
		code, _ := post(t, ts.URL+"/api/command", body)
		test.That(t, code, test.ShouldEqual, http.StatusOK)
	}
	counts := ctrl.counts()
	test.That(t, counts.jogs, test.ShouldResemble, []control.Direction{control.Backward, control.Forward})
	test.That(t, counts.jogStops, test.ShouldEqual, 1)
	test.That(t, counts.stops, test.ShouldEqual, 1)
	test.That(t, counts.resets, test.ShouldEqual, 1)

	code, out := post(t, ts.URL+"/api/command", map[string]interface{}{"command": "getConfig"})
	test.That(t, code, test.ShouldEqual, http.StatusOK)
	test.That(t, out["type"], test.ShouldEqual, "config")
	test.That(t, out["maxSpeed"], test.ShouldEqual, config.DefaultMaxSpeed)
	test.That(t, out["maxLimit"], test.ShouldEqual, float64(config.DefaultLimitPos2))
}

func TestRefusedMove(t *testing.T) {
	_, ctrl, _, ts := newTestServer(t, nil)
	ctrl.failMoves(control.ErrEmergencyStopActive)
	code, out := post(t, ts.URL+"/api/command", map[string]interface{}{"command": "move", "position": 10})
	test.That(t, code, test.ShouldEqual, http.StatusConflict)
	test.That(t, out["message"], test.ShouldEqual, control.ErrEmergencyStopActive.Error())
}

func TestCommandRateLimit(t *testing.T) {
	_, ctrl, _, ts := newTestServer(t, func(c *config.Config) {
		c.Web.CommandRate = 1
	})
	code, _ := post(t, ts.URL+"/api/command", map[string]interface{}{"command": "move", "position": 10})
	test.That(t, code, test.ShouldEqual, http.StatusOK)
	code, _ = post(t, ts.URL+"/api/command", map[string]interface{}{"command": "move", "position": 20})
	test.That(t, code, test.ShouldEqual, http.StatusTooManyRequests)

	// stop always goes through
	for i := 0; i < 3; i++ {
		code, _ = post(t, ts.URL+"/api/command", map[string]interface{}{"command": "stop"})
		test.That(t, code, test.ShouldEqual, http.StatusOK)
	}
	test.That(t, ctrl.recordedMoves(), test.ShouldHaveLength, 1)
	test.That(t, ctrl.counts().stops, test.ShouldEqual, 3)
}

func TestConfigEndpoints(t *testing.T) {
	_, _, store, ts := newTestServer(t, nil)

	code, out := post(t, ts.URL+"/api/config", map[string]interface{}{
		"maxSpeed":       2000,
		"minLimit":       -100,
		"acceleration":   "5000",
		"useStealthChop": true,
	})
	test.That(t, code, test.ShouldEqual, http.StatusOK)
	test.That(t, out["type"], test.ShouldEqual, "configUpdated")
	test.That(t, out["status"], test.ShouldEqual, "success")

	motor := store.Motor()
	test.That(t, motor.MaxSpeed, test.ShouldEqual, 2000.0)
	test.That(t, motor.LimitPos1, test.ShouldEqual, int64(-100))
	test.That(t, motor.Acceleration, test.ShouldEqual, 5000.0)

	resp, err := http.Get(ts.URL + "/api/config")
	test.That(t, err, test.ShouldBeNil)
	defer resp.Body.Close()
	var cfg map[string]interface{}
	test.That(t, json.NewDecoder(resp.Body).Decode(&cfg), test.ShouldBeNil)
	test.That(t, cfg["maxSpeed"], test.ShouldEqual, 2000.0)
	test.That(t, cfg["minLimit"], test.ShouldEqual, -100.0)

	t.Run("invalid values are rejected", func(t *testing.T) {
		code, out := post(t, ts.URL+"/api/config", map[string]interface{}{"correction_gain": 5})
		test.That(t, code, test.ShouldEqual, http.StatusBadRequest)
		test.That(t, out["message"], test.ShouldContainSubstring, "correction_gain")
		code, _ = post(t, ts.URL+"/api/config", map[string]interface{}{"warp_factor": 9})
		test.That(t, code, test.ShouldEqual, http.StatusBadRequest)
		test.That(t, store.Motor().MaxSpeed, test.ShouldEqual, 2000.0)
	})
}

func TestCORS(t *testing.T) {
	_, _, _, ts := newTestServer(t, func(c *config.Config) {
		c.Web.AllowedOrigins = []string{"http://panel.local"}
	})

	for origin, allowed := range map[string]bool{"http://panel.local": true, "http://elsewhere": false} {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/status", nil)
		test.That(t, err, test.ShouldBeNil)
		req.Header.Set("Origin", origin)
		resp, err := http.DefaultClient.Do(req)
		test.That(t, err, test.ShouldBeNil)
		resp.Body.Close()
		if allowed {
			test.That(t, resp.Header.Get("Access-Control-Allow-Origin"), test.ShouldEqual, origin)
		} else {
			test.That(t, resp.Header.Get("Access-Control-Allow-Origin"), test.ShouldBeEmpty)
		}
	}

	header := http.Header{}
	header.Set("Origin", "http://elsewhere")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusForbidden)
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	test.That(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)), test.ShouldBeNil)
	var msg map[string]interface{}
	test.That(t, conn.ReadJSON(&msg), test.ShouldBeNil)
	return msg
}

func TestWebSocket(t *testing.T) {
	_, ctrl, _, ts := newTestServer(t, nil)
	ctrl.setStatus(control.Status{Position: 5})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	test.That(t, err, test.ShouldBeNil)
	defer conn.Close()

	msg := readMessage(t, conn)
	test.That(t, msg["type"], test.ShouldEqual, "status")
	test.That(t, msg["position"], test.ShouldEqual, 5.0)

	t.Run("status changes are pushed", func(t *testing.T) {
		ctrl.updates <- control.Status{Position: 70}
		ctrl.updates <- control.Status{Position: 77}
		// coalesced into the newest snapshot
		msg := readMessage(t, conn)
		test.That(t, msg["type"], test.ShouldEqual, "status")
		test.That(t, msg["position"], test.ShouldEqual, 77.0)
	})

	t.Run("commands", func(t *testing.T) {
		test.That(t, conn.WriteJSON(map[string]interface{}{"cmd": "move", "position": 300}), test.ShouldBeNil)
		msg := readMessage(t, conn)
		test.That(t, msg["type"], test.ShouldEqual, "ack")
		test.That(t, ctrl.recordedMoves(), test.ShouldResemble, []move{{300, 0}})

		test.That(t, conn.WriteJSON(map[string]interface{}{"command": "jogStart"}), test.ShouldBeNil)
		msg = readMessage(t, conn)
		test.That(t, msg["type"], test.ShouldEqual, "error")

		test.That(t, conn.WriteMessage(websocket.TextMessage, []byte("{")), test.ShouldBeNil)
		msg = readMessage(t, conn)
		test.That(t, msg["type"], test.ShouldEqual, "error")
	})

	t.Run("config changes are pushed", func(t *testing.T) {
		test.That(t, conn.WriteJSON(map[string]interface{}{"command": "setConfig", "maxLimit": 4000}), test.ShouldBeNil)
		types := map[interface{}]bool{}
		for i := 0; i < 2; i++ {
			types[readMessage(t, conn)["type"]] = true
		}
		test.That(t, types, test.ShouldResemble, map[interface{}]bool{"config": true, "configUpdated": true})
	})
}
