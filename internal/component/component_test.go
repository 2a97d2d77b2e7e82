package component

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openspore-project/openspore/internal/blaze"
	"github.com/openspore-project/openspore/internal/config"
	"github.com/openspore-project/openspore/internal/events"
	"github.com/openspore-project/openspore/internal/sporenet"
	"github.com/openspore-project/openspore/internal/tdf"
	"github.com/openspore-project/openspore/internal/worker"
)

type testEnv struct {
	srv   *blaze.Server
	comps *Components
	bus   *events.EventBus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := sporenet.NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	pool := worker.NewPool(2, 32, zerolog.Nop())
	t.Cleanup(pool.Stop)

	bus := events.NewEventBus()

	reg := blaze.NewRegistry()
	srv := blaze.NewServer(blaze.ServerConfig{
		Endpoints: []blaze.Endpoint{{Name: "blaze", Addr: "127.0.0.1:0"}},
	}, reg, bus, zerolog.Nop())

	comps := New(Deps{
		Cfg:    config.DefaultConfig(),
		Store:  store,
		Server: srv,
		Pool:   pool,
		Bus:    bus,
		Logger: zerolog.Nop(),
	})
	if err := comps.RegisterAll(reg); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("server did not stop")
		}
		bus.Stop()
	})

	deadline := time.Now().Add(5 * time.Second)
	for srv.Addr("blaze") == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not bind")
		}
		time.Sleep(5 * time.Millisecond)
	}

	return &testEnv{srv: srv, comps: comps, bus: bus}
}

func dialClient(t *testing.T, env *testEnv) *blaze.Client {
	t.Helper()
	client := blaze.NewClient(env.srv.Addr("blaze"), zerolog.Nop(),
		blaze.WithRequestTimeout(5*time.Second))
	if err := client.Dial(context.Background()); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func login(t *testing.T, client *blaze.Client, email string) *tdf.Struct {
	t.Helper()
	req := tdf.NewStruct().
		Put("MAIL", tdf.String(email)).
		Put("PASS", tdf.String("secret"))
	body, err := client.Call(context.Background(), blaze.ComponentAuthentication, cmdLogin, req)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	return body
}

func TestRedirectorAnswersBlazeAddress(t *testing.T) {
	env := newTestEnv(t)
	client := dialClient(t, env)

	body, err := client.Call(context.Background(), blaze.ComponentRedirector, cmdGetServerInstance, nil)
	if err != nil {
		t.Fatalf("getServerInstance: %v", err)
	}

	addr, ok := body.Get("ADDR")
	if !ok {
		t.Fatal("response has no ADDR")
	}
	union, ok := addr.(*tdf.Union)
	if !ok {
		t.Fatalf("ADDR is %T, want *tdf.Union", addr)
	}
	member, field := union.Active()
	if member != 0 || field == nil {
		t.Fatalf("active member = %d, want 0", member)
	}
	inner, ok := field.Value.(*tdf.Struct)
	if !ok {
		t.Fatalf("union value is %T, want *tdf.Struct", field.Value)
	}
	if port, _ := inner.GetInt("PORT"); port != 10041 {
		t.Fatalf("PORT = %d, want 10041", port)
	}
}

func TestLoginReturnsSessionInfo(t *testing.T) {
	env := newTestEnv(t)
	client := dialClient(t, env)

	body := login(t, client, "sporeling@example.com")

	if uid, _ := body.GetInt("BUID"); uid == 0 {
		t.Fatal("BUID missing from login response")
	}
	details, ok := body.GetStruct("PDTL")
	if !ok {
		t.Fatal("PDTL missing from login response")
	}
	// The default persona is derived from the email's local part.
	if name, _ := details.GetString("DSNM"); name != "sporeling" {
		t.Fatalf("DSNM = %q, want sporeling", name)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	env := newTestEnv(t)
	client := dialClient(t, env)

	login(t, client, "sporeling@example.com")

	bad := tdf.NewStruct().
		Put("MAIL", tdf.String("sporeling@example.com")).
		Put("PASS", tdf.String("not-it"))
	_, err := client.Call(context.Background(), blaze.ComponentAuthentication, cmdLogin, bad)
	if err == nil {
		t.Fatal("login with wrong password succeeded")
	}
}

func TestUserSettingsRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	client := dialClient(t, env)
	login(t, client, "sporeling@example.com")

	save := tdf.NewStruct().
		Put("KEY ", tdf.String("tutorial")).
		Put("DATA", tdf.String("done"))
	if _, err := client.Call(context.Background(), blaze.ComponentUtil, cmdUserSettingsSave, save); err != nil {
		t.Fatalf("userSettingsSave: %v", err)
	}

	body, err := client.Call(context.Background(), blaze.ComponentUtil, cmdUserSettingsLoadAll, nil)
	if err != nil {
		t.Fatalf("userSettingsLoadAll: %v", err)
	}
	smap, ok := body.Get("SMAP")
	if !ok {
		t.Fatal("SMAP missing")
	}
	m, ok := smap.(*tdf.Map)
	if !ok {
		t.Fatalf("SMAP is %T, want *tdf.Map", smap)
	}
	found := false
	for _, e := range m.Entries() {
		if e.Key == tdf.String("tutorial") && e.Value == tdf.String("done") {
			found = true
		}
	}
	if !found {
		t.Fatalf("setting not in SMAP: %+v", m.Entries())
	}
}

func TestUserSettingsLoadAllOrdersKeys(t *testing.T) {
	env := newTestEnv(t)
	client := dialClient(t, env)
	login(t, client, "sporeling@example.com")

	// Saved out of order on purpose.
	for _, kv := range [][2]string{{"zoom", "2"}, {"audio", "on"}, {"mode", "hard"}} {
		save := tdf.NewStruct().
			Put("KEY ", tdf.String(kv[0])).
			Put("DATA", tdf.String(kv[1]))
		if _, err := client.Call(context.Background(), blaze.ComponentUtil, cmdUserSettingsSave, save); err != nil {
			t.Fatalf("userSettingsSave %s: %v", kv[0], err)
		}
	}

	// Two loads must agree on the same sorted key order.
	var prev []string
	for i := 0; i < 2; i++ {
		body, err := client.Call(context.Background(), blaze.ComponentUtil, cmdUserSettingsLoadAll, nil)
		if err != nil {
			t.Fatalf("userSettingsLoadAll: %v", err)
		}
		smap, _ := body.Get("SMAP")
		m, ok := smap.(*tdf.Map)
		if !ok {
			t.Fatalf("SMAP is %T, want *tdf.Map", smap)
		}
		keys := make([]string, 0, m.Len())
		for _, e := range m.Entries() {
			keys = append(keys, string(e.Key.(tdf.String)))
		}
		if !sort.StringsAreSorted(keys) {
			t.Fatalf("SMAP keys not sorted: %v", keys)
		}
		if prev != nil {
			if len(keys) != len(prev) {
				t.Fatalf("key count changed between loads: %v then %v", prev, keys)
			}
			for j := range keys {
				if keys[j] != prev[j] {
					t.Fatalf("key order changed between loads: %v then %v", prev, keys)
				}
			}
		}
		prev = keys
	}
}

func TestSettingsRequireLogin(t *testing.T) {
	env := newTestEnv(t)
	client := dialClient(t, env)

	_, err := client.Call(context.Background(), blaze.ComponentUtil, cmdUserSettingsLoadAll, nil)
	if err == nil {
		t.Fatal("userSettingsLoadAll without login succeeded")
	}
}

func TestPreAuthCarriesQosSite(t *testing.T) {
	env := newTestEnv(t)
	client := dialClient(t, env)

	body, err := client.Call(context.Background(), blaze.ComponentUtil, cmdPreAuth, nil)
	if err != nil {
		t.Fatalf("preAuth: %v", err)
	}
	qos, ok := body.GetStruct("QOSS")
	if !ok {
		t.Fatal("QOSS missing")
	}
	sites, ok := qos.GetList("LTPS")
	if !ok || sites.Len() == 0 {
		t.Fatal("LTPS missing or empty")
	}
	site := sites.Items()[0].(*tdf.Struct)
	if port, _ := site.GetInt("PSP "); port != 3659 {
		t.Fatalf("PSP = %d, want 3659", port)
	}
}

func TestCreateGameNotifiesSubscribers(t *testing.T) {
	env := newTestEnv(t)

	// The watcher subscribes to GameManager notifications.
	notes := make(chan blaze.Frame, 4)
	watcher := blaze.NewClient(env.srv.Addr("blaze"), zerolog.Nop(),
		blaze.WithRequestTimeout(5*time.Second),
		blaze.WithNotificationHandler(func(f blaze.Frame, body *tdf.Struct) {
			notes <- f
		}))
	if err := watcher.Dial(context.Background()); err != nil {
		t.Fatalf("watcher Dial: %v", err)
	}
	t.Cleanup(watcher.Close)

	sub := tdf.NewStruct().Put("CMPN", tdf.Integer(int64(blaze.ComponentGameManager)))
	if _, err := watcher.Call(context.Background(), blaze.ComponentUserSessions, blaze.CommandSubscribe, sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	host := dialClient(t, env)
	login(t, host, "host@example.com")

	req := tdf.NewStruct().
		Put("GNAM", tdf.String("Crucible")).
		Put("PCAP", tdf.Integer(4))
	body, err := host.Call(context.Background(), blaze.ComponentGameManager, cmdCreateGame, req)
	if err != nil {
		t.Fatalf("createGame: %v", err)
	}
	gid, _ := body.GetInt("GID ")
	if gid == 0 {
		t.Fatal("GID missing from createGame response")
	}
	if env.comps.GameCount() != 1 {
		t.Fatalf("GameCount = %d, want 1", env.comps.GameCount())
	}

	select {
	case f := <-notes:
		if f.Component != blaze.ComponentGameManager || f.Command != notifyGameCreated {
			t.Fatalf("notification = %+v", f)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no game created notification")
	}

	destroy := tdf.NewStruct().Put("GID ", tdf.Integer(gid))
	if _, err := host.Call(context.Background(), blaze.ComponentGameManager, cmdDestroyGame, destroy); err != nil {
		t.Fatalf("destroyGame: %v", err)
	}
	if env.comps.GameCount() != 0 {
		t.Fatalf("GameCount = %d after destroy, want 0", env.comps.GameCount())
	}
}

func TestDestroyGameRequiresHost(t *testing.T) {
	env := newTestEnv(t)

	host := dialClient(t, env)
	login(t, host, "host@example.com")
	other := dialClient(t, env)
	login(t, other, "other@example.com")

	req := tdf.NewStruct().Put("GNAM", tdf.String("Crucible"))
	body, err := host.Call(context.Background(), blaze.ComponentGameManager, cmdCreateGame, req)
	if err != nil {
		t.Fatalf("createGame: %v", err)
	}
	gid, _ := body.GetInt("GID ")

	destroy := tdf.NewStruct().Put("GID ", tdf.Integer(gid))
	if _, err := other.Call(context.Background(), blaze.ComponentGameManager, cmdDestroyGame, destroy); err == nil {
		t.Fatal("non-host destroyed the game")
	}
	if env.comps.GameCount() != 1 {
		t.Fatalf("GameCount = %d, want 1", env.comps.GameCount())
	}
}

func TestRoomJoinLeave(t *testing.T) {
	env := newTestEnv(t)
	client := dialClient(t, env)
	login(t, client, "sporeling@example.com")

	cats, err := client.Call(context.Background(), blaze.ComponentRooms, cmdGetRoomCategories, nil)
	if err != nil {
		t.Fatalf("getRoomCategories: %v", err)
	}
	list, ok := cats.GetList("CATS")
	if !ok || list.Len() == 0 {
		t.Fatal("CATS missing or empty")
	}

	join := tdf.NewStruct().Put("RMID", tdf.Integer(1))
	body, err := client.Call(context.Background(), blaze.ComponentRooms, cmdJoinRoom, join)
	if err != nil {
		t.Fatalf("joinRoom: %v", err)
	}
	if persona, _ := body.GetString("PNAM"); !strings.EqualFold(persona, "sporeling") {
		t.Fatalf("PNAM = %q, want sporeling", persona)
	}

	if _, err := client.Call(context.Background(), blaze.ComponentRooms, cmdLeaveRoom, join); err != nil {
		t.Fatalf("leaveRoom: %v", err)
	}

	// Leaving again reports the miss.
	if _, err := client.Call(context.Background(), blaze.ComponentRooms, cmdLeaveRoom, join); err == nil {
		t.Fatal("second leaveRoom succeeded")
	}
}
