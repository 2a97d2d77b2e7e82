package component

import (
	"context"
	"sort"
	"time"

	"github.com/openspore-project/openspore/internal/blaze"
	"github.com/openspore-project/openspore/internal/config"
	"github.com/openspore-project/openspore/internal/tdf"
)

const (
	cmdFetchClientConfig   uint16 = 0x0001
	cmdPing                uint16 = 0x0002
	cmdPreAuth             uint16 = 0x0007
	cmdPostAuth            uint16 = 0x0008
	cmdUserSettingsSave    uint16 = 0x000B
	cmdUserSettingsLoadAll uint16 = 0x000C
	cmdGetTelemetryServer  uint16 = 0x0005
)

// ping returns the server clock. Distinct from the transport-level
// Ping frame, which never reaches a handler.
func (c *Components) ping(ctx context.Context, s *blaze.Session, req *tdf.Struct) blaze.Result {
	body := tdf.NewStruct().
		Put("STIM", tdf.Integer(time.Now().Unix()))
	return blaze.Response(body)
}

// preAuth hands the client its QoS probe target and base configuration
// before authentication.
func (c *Components) preAuth(ctx context.Context, s *blaze.Session, req *tdf.Struct) blaze.Result {
	host := c.deps.Cfg.GetString(config.KeyExternalHost)

	pingSite := tdf.NewStruct().
		Put("PSA ", tdf.String(host)).
		Put("PSP ", tdf.Integer(int64(c.deps.Cfg.GetInt(config.KeyListenQoS)))).
		Put("SNA ", tdf.String("ams"))

	sites := tdf.NewList(tdf.TypeStruct)
	if err := sites.Append(pingSite); err != nil {
		c.deps.Logger.Error().Err(err).Msg("build qos site list")
		return blaze.Failure(blaze.CodeInternal, nil)
	}

	qos := tdf.NewStruct().
		Put("LNP ", tdf.Integer(10)).
		Put("LTPS", sites).
		Put("SVID", tdf.Integer(int64(s.ID())))

	body := tdf.NewStruct().
		Put("ASRC", tdf.String(c.deps.Cfg.GetString(config.KeyGameName))).
		Put("QOSS", qos).
		Put("RSRC", tdf.String(host))

	return blaze.Response(body)
}

// postAuth completes the handshake after login with the telemetry
// endpoint.
func (c *Components) postAuth(ctx context.Context, s *blaze.Session, req *tdf.Struct) blaze.Result {
	body := tdf.NewStruct().
		Put("TELE", c.telemetryServer()).
		Put("UROP", tdf.Integer(1))
	return blaze.Response(body)
}

// getTelemetryServer answers the standalone telemetry lookup some
// client builds issue instead of relying on postAuth.
func (c *Components) getTelemetryServer(ctx context.Context, s *blaze.Session, req *tdf.Struct) blaze.Result {
	return blaze.Response(tdf.NewStruct().Put("TELE", c.telemetryServer()))
}

func (c *Components) telemetryServer() *tdf.Struct {
	return tdf.NewStruct().
		Put("ADRS", tdf.String(c.deps.Cfg.GetString(config.KeyExternalHost))).
		Put("ANON", tdf.Integer(0)).
		Put("DISA", tdf.String("")).
		Put("LOC ", tdf.String("en_US")).
		Put("PORT", tdf.Integer(int64(c.deps.Cfg.GetInt(config.KeyListenHTTP)))).
		Put("SDLY", tdf.Integer(15000)).
		Put("SKEY", tdf.String("telemetry")).
		Put("SPCT", tdf.Integer(75))
}

// fetchClientConfig returns the named configuration section as a flat
// string map.
func (c *Components) fetchClientConfig(ctx context.Context, s *blaze.Session, req *tdf.Struct) blaze.Result {
	section, _ := req.GetString("CFID")

	conf := tdf.NewMap(tdf.TypeString, tdf.TypeString)
	for _, key := range c.deps.Cfg.Keys() {
		if err := conf.Put(tdf.String(key), tdf.String(c.deps.Cfg.GetString(key))); err != nil {
			c.deps.Logger.Error().Err(err).Str("key", key).Msg("build client config map")
			return blaze.Failure(blaze.CodeInternal, nil)
		}
	}

	c.deps.Logger.Debug().Str("section", section).Msg("client config fetched")
	return blaze.Response(tdf.NewStruct().Put("CONF", conf))
}

// userSettingsSave stores one key/value pair for the logged-in user.
func (c *Components) userSettingsSave(ctx context.Context, s *blaze.Session, req *tdf.Struct) blaze.Result {
	st, ok := c.state.get(s.ID())
	if !ok {
		return blaze.Failure(blaze.CodeAuthenticationFailed, nil)
	}

	key, ok := req.GetString("KEY ")
	if !ok || key == "" {
		return blaze.Failure(blaze.CodeInvalidArgument, nil)
	}
	value, _ := req.GetString("DATA")

	userID := st.user.ID
	future := make(chan blaze.Result, 1)
	task := func() {
		if err := c.deps.Store.SaveSetting(userID, key, value); err != nil {
			c.deps.Logger.Error().Err(err).Int64("user", userID).Msg("save user setting")
			future <- blaze.Failure(blaze.CodeInternal, nil)
			return
		}
		future <- blaze.Response(nil)
	}
	if err := c.deps.Pool.Submit(task); err != nil {
		return blaze.Failure(blaze.CodeInternal, nil)
	}
	return blaze.Deferred(future)
}

// userSettingsLoadAll returns every stored setting of the logged-in
// user.
func (c *Components) userSettingsLoadAll(ctx context.Context, s *blaze.Session, req *tdf.Struct) blaze.Result {
	st, ok := c.state.get(s.ID())
	if !ok {
		return blaze.Failure(blaze.CodeAuthenticationFailed, nil)
	}

	userID := st.user.ID
	future := make(chan blaze.Result, 1)
	task := func() {
		settings, err := c.deps.Store.Settings(userID)
		if err != nil {
			c.deps.Logger.Error().Err(err).Int64("user", userID).Msg("load user settings")
			future <- blaze.Failure(blaze.CodeInternal, nil)
			return
		}
		// Stable key order keeps the encoded response reproducible.
		keys := make([]string, 0, len(settings))
		for k := range settings {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		smap := tdf.NewMap(tdf.TypeString, tdf.TypeString)
		for _, k := range keys {
			if err := smap.Put(tdf.String(k), tdf.String(settings[k])); err != nil {
				future <- blaze.Failure(blaze.CodeInternal, nil)
				return
			}
		}
		future <- blaze.Response(tdf.NewStruct().Put("SMAP", smap))
	}
	if err := c.deps.Pool.Submit(task); err != nil {
		return blaze.Failure(blaze.CodeInternal, nil)
	}
	return blaze.Deferred(future)
}
