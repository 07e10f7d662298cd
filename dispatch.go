package main

import (
	"strings"
)

// app wires the transport to the game: it resolves each connection to its
// player and lobby, then hands the decoded message to that lobby's state
// machine.
type app struct {
	cfg     *Config
	lobbies *Directory
	conns   *Registry
}

func newApp(cfg *Config) *app {
	return &app{
		cfg:     cfg,
		lobbies: newDirectory(),
		conns:   newRegistry(),
	}
}

func (a *app) HandleText(c *wireConn, payload []byte) {
	a.handleMessage(c, payload)
}

func (a *app) HandleDisconnect(c *wireConn) {
	a.dropConn(c)
}

// handleMessage decodes one client message and dispatches it. Malformed
// payloads and out-of-phase or wrong-sender messages are dropped without
// closing the connection; the sender learns nothing unless the table in
// the protocol calls for an explicit error event.
func (a *app) handleMessage(c sender, data []byte) {
	msg, err := decodeClientMessage(data)
	if err != nil {
		logf(a.cfg, "GAME: Dropped undecodable message: %v", err)

		return
	}

	switch m := msg.(type) {
	case createLobbyMsg:
		a.createLobby(c, m)
	case joinLobbyMsg:
		a.joinLobby(c, m)
	case startGameMsg:
		if lobby, ident, ok := a.resolve(c); ok {
			if err := lobby.startGame(ident.playerID); err != nil {
				sendEvent(c, errorEvent{Type: "error", Message: err.Error()})
			}
		}
	case submitQuestionMsg:
		if lobby, ident, ok := a.resolve(c); ok {
			lobby.submitQuestion(ident.playerID, m.Question)
		}
	case submitAnswerMsg:
		if lobby, ident, ok := a.resolve(c); ok {
			lobby.submitAnswer(ident.playerID, m.Answer)
		}
	case nextRevealMsg:
		if lobby, ident, ok := a.resolve(c); ok {
			lobby.nextReveal(ident.playerID)
		}
	case submitGuessesMsg:
		if lobby, ident, ok := a.resolve(c); ok {
			lobby.submitGuesses(ident.playerID, m.Guesses)
		}
	case voteMsg:
		if lobby, ident, ok := a.resolve(c); ok {
			lobby.vote(ident.playerID, m.Category, m.AnswerID)
		}
	case nextTurnMsg:
		if lobby, ident, ok := a.resolve(c); ok {
			lobby.nextTurn(ident.playerID)
		}
	case playAgainMsg:
		if lobby, ident, ok := a.resolve(c); ok {
			lobby.playAgain(ident.playerID)
		}
	}
}

// resolve maps a connection back to its lobby. Connections that never
// joined, or whose lobby is gone, resolve to nothing and the message is
// dropped.
func (a *app) resolve(c sender) (*Lobby, connIdent, bool) {
	ident, ok := a.conns.lookup(c)
	if !ok {
		return nil, connIdent{}, false
	}

	lobby, ok := a.lobbies.lookup(ident.code)
	if !ok {
		return nil, connIdent{}, false
	}

	return lobby, ident, true
}

func (a *app) createLobby(c sender, m createLobbyMsg) {
	if _, joined := a.conns.lookup(c); joined {
		return
	}

	lobby := a.lobbies.create(a.cfg, a.conns)
	player, err := lobby.addPlayer(m.Name)
	if err != nil {
		a.lobbies.remove(lobby.code)

		return
	}

	a.admit(c, lobby, player)

	logf(a.cfg, "GAME: Player %q created lobby %s", player.Name, lobby.code)
}

func (a *app) joinLobby(c sender, m joinLobbyMsg) {
	if _, joined := a.conns.lookup(c); joined {
		return
	}

	code := strings.ToUpper(strings.TrimSpace(m.Code))
	lobby, ok := a.lobbies.lookup(code)
	if !ok {
		sendEvent(c, errorEvent{Type: "error", Message: errLobbyNotFound.Error()})

		return
	}

	player, err := lobby.addPlayer(m.Name)
	if err != nil {
		sendEvent(c, errorEvent{Type: "error", Message: err.Error()})

		return
	}

	a.admit(c, lobby, player)

	logf(a.cfg, "GAME: Player %q joined lobby %s", player.Name, lobby.code)
}

// admit registers the connection, confirms membership to it, and shares
// the updated roster with the lobby.
func (a *app) admit(c sender, lobby *Lobby, player *Player) {
	a.conns.add(c, connIdent{playerID: player.ID, code: lobby.code, name: player.Name})

	sendEvent(c, joinedEvent{
		Type:     "joined",
		PlayerID: player.ID,
		Code:     lobby.code,
		HostID:   lobby.host(),
	})
	lobby.broadcastRoster()
}

// dropConn runs disconnect cleanup: deregister, mark the player offline,
// and garbage-collect the lobby once nobody in it is connected.
func (a *app) dropConn(c sender) {
	ident, ok := a.conns.remove(c)
	if !ok {
		return
	}

	lobby, ok := a.lobbies.lookup(ident.code)
	if !ok {
		return
	}

	logf(a.cfg, "GAME: Player %q disconnected from lobby %s", ident.name, ident.code)

	if lobby.markDisconnected(ident.playerID) {
		lobby.destroy()
		a.lobbies.remove(ident.code)

		logf(a.cfg, "GAME: Removed empty lobby %s", ident.code)
	}
}
