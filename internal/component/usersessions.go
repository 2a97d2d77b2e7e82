package component

import (
	"context"

	"github.com/openspore-project/openspore/internal/blaze"
	"github.com/openspore-project/openspore/internal/tdf"
)

const (
	cmdUnsubscribe       uint16 = 0x0009
	cmdUpdateNetworkInfo uint16 = 0x0014
)

// subscribe serves the reserved command that feeds the server-wide
// notification index: the request names a component, the session is
// added to its subscriber set.
func (c *Components) subscribe(ctx context.Context, s *blaze.Session, req *tdf.Struct) blaze.Result {
	comp, ok := req.GetInt("CMPN")
	if !ok || comp < 0 || comp > 0xFFFF {
		return blaze.Failure(blaze.CodeInvalidArgument, nil)
	}

	s.Subscribe(uint16(comp))
	return blaze.Response(nil)
}

// unsubscribe removes the session from a component's subscriber set.
func (c *Components) unsubscribe(ctx context.Context, s *blaze.Session, req *tdf.Struct) blaze.Result {
	comp, ok := req.GetInt("CMPN")
	if !ok || comp < 0 || comp > 0xFFFF {
		return blaze.Failure(blaze.CodeInvalidArgument, nil)
	}
	if !s.IsSubscribed(uint16(comp)) {
		return blaze.Failure(blaze.CodeNotSubscribed, nil)
	}

	s.Unsubscribe(uint16(comp))
	return blaze.Response(nil)
}

// updateNetworkInfo stores the client's self-reported address data for
// later game setup. The payload is kept verbatim; nothing downstream
// interprets it field by field.
func (c *Components) updateNetworkInfo(ctx context.Context, s *blaze.Session, req *tdf.Struct) blaze.Result {
	st, ok := c.state.get(s.ID())
	if !ok {
		return blaze.Failure(blaze.CodeAuthenticationFailed, nil)
	}

	info, ok := req.GetStruct("ADDR")
	if !ok {
		return blaze.Failure(blaze.CodeInvalidArgument, nil)
	}

	st.network = info
	c.deps.Logger.Debug().Uint64("session", s.ID()).Msg("network info updated")
	return blaze.Response(nil)
}
