package main

import (
	"encoding/json"
	"fmt"
)

// Messages coming from clients. Each of the ten kinds is its own type so the
// dispatcher switches exhaustively over a closed set instead of matching
// strings; a message kind without a case is a compile-time hole, not a
// silent no-op.
type clientMessage interface {
	clientMessage()
}

type createLobbyMsg struct {
	Name string `json:"name"`
}

type joinLobbyMsg struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

type startGameMsg struct{}

type submitQuestionMsg struct {
	Question string `json:"question"`
}

type submitAnswerMsg struct {
	Answer string `json:"answer"`
}

type nextRevealMsg struct{}

type submitGuessesMsg struct {
	Guesses map[string]string `json:"guesses"` // answer id -> guessed player id
}

type voteMsg struct {
	Category string `json:"category"` // "best" or "funniest"
	AnswerID string `json:"answerId"`
}

type nextTurnMsg struct{}

type playAgainMsg struct{}

func (createLobbyMsg) clientMessage()    {}
func (joinLobbyMsg) clientMessage()      {}
func (startGameMsg) clientMessage()      {}
func (submitQuestionMsg) clientMessage() {}
func (submitAnswerMsg) clientMessage()   {}
func (nextRevealMsg) clientMessage()     {}
func (submitGuessesMsg) clientMessage()  {}
func (voteMsg) clientMessage()           {}
func (nextTurnMsg) clientMessage()       {}
func (playAgainMsg) clientMessage()      {}

// decodeClientMessage parses the JSON envelope and returns the concrete
// message for its "type" discriminator.
func decodeClientMessage(data []byte) (clientMessage, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}

	switch envelope.Type {
	case "create_lobby":
		var m createLobbyMsg
		err := json.Unmarshal(data, &m)

		return m, err
	case "join_lobby":
		var m joinLobbyMsg
		err := json.Unmarshal(data, &m)

		return m, err
	case "start_game":
		return startGameMsg{}, nil
	case "submit_question":
		var m submitQuestionMsg
		err := json.Unmarshal(data, &m)

		return m, err
	case "submit_answer":
		var m submitAnswerMsg
		err := json.Unmarshal(data, &m)

		return m, err
	case "next_reveal":
		return nextRevealMsg{}, nil
	case "submit_guesses":
		var m submitGuessesMsg
		err := json.Unmarshal(data, &m)

		return m, err
	case "vote":
		var m voteMsg
		err := json.Unmarshal(data, &m)

		return m, err
	case "next_turn":
		return nextTurnMsg{}, nil
	case "play_again":
		return playAgainMsg{}, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", envelope.Type)
	}
}

// Messages sent to clients.

// joinedEvent confirms lobby membership to the joining client only.
type joinedEvent struct {
	Type     string `json:"type"` // "joined"
	PlayerID string `json:"playerId"`
	Code     string `json:"code"`
	HostID   string `json:"hostId"`
}

// errorEvent carries a user-facing rejection ("Lobby is full", etc.).
type errorEvent struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}

// playerView is the roster entry shared with all clients.
type playerView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Score     int    `json:"score"`
	Connected bool   `json:"connected"`
}

// lobbyUpdateEvent rebroadcasts the roster after any membership or
// connectivity change.
type lobbyUpdateEvent struct {
	Type    string       `json:"type"` // "lobby_update"
	Players []playerView `json:"players"`
	HostID  string       `json:"hostId"`
	Code    string       `json:"code"`
}

// answerView shows an answer without its author.
type answerView struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// answerReveal pairs an answer with its true author and the guess it drew,
// for the results phase.
type answerReveal struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	AuthorID   string `json:"authorId"`
	AuthorName string `json:"authorName"`
	GuessedID  string `json:"guessedId,omitempty"`
}

// categoryWin names a vote category's winning answer and its author.
type categoryWin struct {
	AnswerID string `json:"answerId"`
	AuthorID string `json:"authorId"`
}

// Phase announcements. All share type "phase" and carry a per-phase payload.
type lobbyPhaseEvent struct {
	Type  string `json:"type"`  // "phase"
	Phase string `json:"phase"` // "lobby"
}

type questionPhaseEvent struct {
	Type        string `json:"type"`  // "phase"
	Phase       string `json:"phase"` // "question"
	GuesserID   string `json:"guesserId"`
	GuesserName string `json:"guesserName"`
	Turn        int    `json:"turn"`
	TotalTurns  int    `json:"totalTurns"`
}

type answeringPhaseEvent struct {
	Type      string `json:"type"`  // "phase"
	Phase     string `json:"phase"` // "answering"
	GuesserID string `json:"guesserId"`
	Question  string `json:"question"`
}

type revealPhaseEvent struct {
	Type      string `json:"type"`  // "phase"
	Phase     string `json:"phase"` // "reveal"
	GuesserID string `json:"guesserId"`
	Total     int    `json:"total"`
}

type guessingPhaseEvent struct {
	Type      string       `json:"type"`  // "phase"
	Phase     string       `json:"phase"` // "guessing"
	GuesserID string       `json:"guesserId"`
	Answers   []answerView `json:"answers"`
}

type votingPhaseEvent struct {
	Type    string       `json:"type"`  // "phase"
	Phase   string       `json:"phase"` // "voting"
	Answers []answerView `json:"answers"`
}

type resultsPhaseEvent struct {
	Type     string         `json:"type"`  // "phase"
	Phase    string         `json:"phase"` // "results"
	Question string         `json:"question"`
	Correct  int            `json:"correct"`
	Answers  []answerReveal `json:"answers"`
	Best     *categoryWin   `json:"best,omitempty"`
	Funniest *categoryWin   `json:"funniest,omitempty"`
	Players  []playerView   `json:"players"`
}

type gameoverPhaseEvent struct {
	Type       string       `json:"type"`  // "phase"
	Phase      string       `json:"phase"` // "gameover"
	Scoreboard []playerView `json:"scoreboard"`
}

// timerEvent announces a freshly started phase deadline.
type timerEvent struct {
	Type    string `json:"type"` // "timer"
	Seconds int    `json:"seconds"`
	EndsAt  int64  `json:"endsAt"` // unix milliseconds
}

// revealAnswerEvent shows one answer during the reveal walk.
type revealAnswerEvent struct {
	Type   string     `json:"type"` // "reveal_answer"
	Index  int        `json:"index"`
	Total  int        `json:"total"`
	Answer answerView `json:"answer"`
}

// answerSubmittedEvent acknowledges a single answerer's submission.
type answerSubmittedEvent struct {
	Type string `json:"type"` // "answer_submitted"
}

// answerProgressEvent broadcasts how many answers are in.
type answerProgressEvent struct {
	Type      string `json:"type"` // "answer_progress"
	Submitted int    `json:"submitted"`
	Total     int    `json:"total"`
}
