package component

import (
	"context"
	"errors"
	"strings"

	"github.com/openspore-project/openspore/internal/blaze"
	"github.com/openspore-project/openspore/internal/events"
	"github.com/openspore-project/openspore/internal/sporenet"
	"github.com/openspore-project/openspore/internal/tdf"
)

const (
	cmdLogin       uint16 = 0x0028
	cmdLogout      uint16 = 0x002D
	cmdSilentLogin uint16 = 0x0032
)

// login authenticates an email/password pair against the SporeNet
// store. The store work runs on the worker pool; the response is a
// SessionInfo struct with the account's persona details.
func (c *Components) login(ctx context.Context, s *blaze.Session, req *tdf.Struct) blaze.Result {
	email, ok := req.GetString("MAIL")
	if !ok || email == "" {
		return blaze.Failure(blaze.CodeInvalidArgument, nil)
	}
	password, _ := req.GetString("PASS")
	personaName, _ := req.GetString("PNAM")

	return c.authenticate(s, email, password, personaName)
}

// silentLogin resumes an account from a stored token without
// prompting. The token doubles as the credential pair.
func (c *Components) silentLogin(ctx context.Context, s *blaze.Session, req *tdf.Struct) blaze.Result {
	email, ok := req.GetString("MAIL")
	if !ok || email == "" {
		return blaze.Failure(blaze.CodeInvalidArgument, nil)
	}
	token, _ := req.GetString("AUTH")

	return c.authenticate(s, email, token, "")
}

func (c *Components) authenticate(s *blaze.Session, email, password, personaName string) blaze.Result {
	sessionID := s.ID()
	future := make(chan blaze.Result, 1)

	task := func() {
		user, err := c.deps.Store.Authenticate(email, password)
		if errors.Is(err, sporenet.ErrInvalidCredentials) {
			c.deps.Logger.Warn().Uint64("session", sessionID).Str("email", email).Msg("login rejected")
			future <- blaze.Failure(blaze.CodeAuthenticationFailed, nil)
			return
		}
		if err != nil {
			c.deps.Logger.Error().Err(err).Str("email", email).Msg("login failed")
			future <- blaze.Failure(blaze.CodeInternal, nil)
			return
		}

		persona, err := c.resolvePersona(user, personaName)
		if err != nil {
			c.deps.Logger.Error().Err(err).Int64("user", user.ID).Msg("persona resolution failed")
			future <- blaze.Failure(blaze.CodeInternal, nil)
			return
		}

		c.state.put(sessionID, &sessionState{user: user, persona: persona})
		c.emit(events.EventUserAuthenticated, events.UserPayload{
			SessionID: sessionID,
			UserID:    user.ID,
			Email:     user.Email,
			Persona:   persona.Name,
		})
		c.deps.Logger.Info().
			Uint64("session", sessionID).
			Int64("user", user.ID).
			Str("persona", persona.Name).
			Msg("user authenticated")

		future <- blaze.Response(sessionInfo(user, persona))
	}

	if err := c.deps.Pool.Submit(task); err != nil {
		return blaze.Failure(blaze.CodeInternal, nil)
	}
	return blaze.Deferred(future)
}

// resolvePersona picks the named persona, or the first one, creating a
// default from the email's local part when the account has none.
func (c *Components) resolvePersona(user *sporenet.User, name string) (*sporenet.Persona, error) {
	if name != "" {
		p, err := c.deps.Store.PersonaByName(name)
		if err == nil && p.UserID == user.ID {
			return p, nil
		}
		if err != nil && !errors.Is(err, sporenet.ErrPersonaNotFound) {
			return nil, err
		}
	}

	list, err := c.deps.Store.Personas(user.ID)
	if err != nil {
		return nil, err
	}
	if len(list) > 0 {
		return &list[0], nil
	}

	defaultName := user.Email
	if at := strings.IndexByte(defaultName, '@'); at > 0 {
		defaultName = defaultName[:at]
	}
	p, err := c.deps.Store.CreatePersona(user.ID, defaultName)
	if errors.Is(err, sporenet.ErrPersonaExists) {
		return c.deps.Store.PersonaByName(defaultName)
	}
	return p, err
}

// sessionInfo builds the login response body.
func sessionInfo(user *sporenet.User, persona *sporenet.Persona) *tdf.Struct {
	details := tdf.NewStruct().
		Put("DSNM", tdf.String(persona.Name)).
		Put("LAST", tdf.Integer(user.LastLogin.Unix())).
		Put("PID ", tdf.Integer(persona.ID)).
		Put("STAS", tdf.Integer(1)).
		Put("XREF", tdf.Integer(user.ID))

	return tdf.NewStruct().
		Put("BUID", tdf.Integer(user.ID)).
		Put("MAIL", tdf.String(user.Email)).
		Put("PDTL", details).
		Put("UID ", tdf.Integer(user.ID))
}

// logout clears the session's login state.
func (c *Components) logout(ctx context.Context, s *blaze.Session, req *tdf.Struct) blaze.Result {
	st, ok := c.state.get(s.ID())
	if !ok {
		return blaze.Failure(blaze.CodeAuthenticationFailed, nil)
	}
	c.state.drop(s.ID())
	c.emit(events.EventUserLoggedOut, events.UserPayload{
		SessionID: s.ID(),
		UserID:    st.user.ID,
		Email:     st.user.Email,
	})
	return blaze.Response(nil)
}
