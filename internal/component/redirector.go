package component

import (
	"context"

	"github.com/openspore-project/openspore/internal/blaze"
	"github.com/openspore-project/openspore/internal/config"
	"github.com/openspore-project/openspore/internal/tdf"
)

const cmdGetServerInstance uint16 = 0x0001

// getServerInstance answers the very first request a client makes: the
// address of the main Blaze endpoint. The redirector listener serves
// only this component, so the response carries the external host from
// the configuration rather than the listener's own address.
func (c *Components) getServerInstance(ctx context.Context, s *blaze.Session, req *tdf.Struct) blaze.Result {
	host := c.deps.Cfg.GetString(config.KeyExternalHost)
	port := c.deps.Cfg.GetInt(config.KeyListenBlaze)

	addr := tdf.NewStruct().
		Put("HOST", tdf.String(host)).
		Put("PORT", tdf.Integer(int64(port)))

	union := tdf.NewUnion()
	if err := union.Set(0, "VALU", addr); err != nil {
		c.deps.Logger.Error().Err(err).Msg("build redirector address union")
		return blaze.Failure(blaze.CodeInternal, nil)
	}

	body := tdf.NewStruct().
		Put("ADDR", union).
		Put("SECU", tdf.Integer(0)).
		Put("XDNS", tdf.Integer(0))

	c.deps.Logger.Debug().
		Uint64("session", s.ID()).
		Str("host", host).
		Int("port", port).
		Msg("redirecting client")

	return blaze.Response(body)
}
