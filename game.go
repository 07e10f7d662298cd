package main

import (
	"errors"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	maxPlayers        = 10
	minPlayers        = 3
	maxNameLength     = 20
	maxQuestionLength = 200
	maxAnswerLength   = 200

	defaultQuestion   = "What is the best excuse for being late?"
	placeholderAnswer = "(no answer)"

	voteBest     = "best"
	voteFunniest = "funniest"
)

var (
	errLobbyFull      = errors.New("Lobby is full")
	errLobbyNotFound  = errors.New("Lobby not found")
	errGameInProgress = errors.New("Game already in progress")
	errNeedPlayers    = errors.New("Need at least 3 players")
)

type Phase string

const (
	phaseLobby     Phase = "lobby"
	phaseQuestion  Phase = "question"
	phaseAnswering Phase = "answering"
	phaseReveal    Phase = "reveal"
	phaseGuessing  Phase = "guessing"
	phaseVoting    Phase = "voting"
	phaseResults   Phase = "results"
	phaseGameover  Phase = "gameover"
)

// Player stays in the roster after a disconnect so scores survive; only
// destroying the lobby removes it.
type Player struct {
	ID        string
	Name      string
	Score     int
	Connected bool
}

// Answer is one entry in the shuffled presentation list for a turn. The id
// is generated fresh at reveal so the guesser can't infer authorship from
// submission order.
type Answer struct {
	ID       string
	Text     string
	AuthorID string
}

// Lobby is the per-session state machine. Its mutex serializes every
// message handler and timer callback that touches this lobby, so phase
// logic never races with itself; separate lobbies run in parallel.
//
// Broadcasts happen while the mutex is held. Sends never block, so this is
// safe, and it keeps event order identical to state-change order.
type Lobby struct {
	mu  sync.Mutex
	cfg *Config
	reg *Registry

	code      string
	hostID    string
	players   []*Player
	phase     Phase
	destroyed bool

	rotation     []string
	pos          int
	question     string
	answers      map[string]string
	presentation []Answer
	guesses      map[string]string
	votes        map[string]map[string]string
	voteOrder    map[string][]string
	revealIdx    int
	correct      int

	// At most one timer is pending per lobby. timerSeq invalidates
	// callbacks from timers that were replaced or canceled after firing.
	timer    *time.Timer
	timerSeq int
}

func newLobby(cfg *Config, reg *Registry, code string) *Lobby {
	return &Lobby{
		cfg:   cfg,
		reg:   reg,
		code:  code,
		phase: phaseLobby,
	}
}

// cleanName normalizes a display name: trimmed, non-empty, capped.
func cleanName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "Player"
	}

	return truncate(name, maxNameLength)
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}

	return string(runes[:max])
}

// addPlayer admits a player while the lobby is still open. The first
// player to join becomes the host.
func (l *Lobby) addPlayer(name string) (*Player, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.destroyed {
		return nil, errLobbyNotFound
	}
	if l.phase != phaseLobby {
		return nil, errGameInProgress
	}
	if len(l.players) >= maxPlayers {
		return nil, errLobbyFull
	}

	player := &Player{
		ID:        uuid.New().String(),
		Name:      cleanName(name),
		Connected: true,
	}
	l.players = append(l.players, player)
	if l.hostID == "" {
		l.hostID = player.ID
	}

	return player, nil
}

// markDisconnected clears a player's connectivity flag and rebroadcasts the
// roster. It reports whether every player is now disconnected, which is the
// caller's cue to garbage-collect the lobby.
func (l *Lobby) markDisconnected(playerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.destroyed {
		return false
	}

	if p := l.playerLocked(playerID); p != nil {
		p.Connected = false
	}
	l.broadcastRosterLocked()

	for _, p := range l.players {
		if p.Connected {
			return false
		}
	}

	return true
}

// destroy cancels any pending timer and marks the lobby dead so late
// timer callbacks and joins become no-ops.
func (l *Lobby) destroy() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cancelTimerLocked()
	l.destroyed = true
}

func (l *Lobby) broadcastRoster() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.broadcastRosterLocked()
}

func (l *Lobby) host() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.hostID
}

// startGame begins the first question phase. Only the host may start, and
// only from the lobby phase.
func (l *Lobby) startGame(playerID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.destroyed || l.phase != phaseLobby || playerID != l.hostID {
		return nil
	}

	connected := 0
	for _, p := range l.players {
		if p.Connected {
			connected++
		}
	}
	if connected < minPlayers {
		return errNeedPlayers
	}

	ids := make([]string, 0, len(l.players))
	for _, p := range l.players {
		p.Score = 0
		ids = append(ids, p.ID)
	}
	l.rotation = buildRotation(ids, l.cfg.rounds)
	l.pos = 0

	logf(l.cfg, "GAME: Started game in %s with %d players", l.code, len(l.players))

	l.beginQuestionLocked()

	return nil
}

// submitQuestion accepts the guesser's question and moves to answering.
func (l *Lobby) submitQuestion(playerID, question string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.phase != phaseQuestion || playerID != l.guesserIDLocked() {
		return
	}

	question = strings.TrimSpace(question)
	if question == "" {
		return
	}

	l.cancelTimerLocked()
	l.beginAnsweringLocked(truncate(question, maxQuestionLength))
}

// submitAnswer records one answerer's text. Resubmission overwrites. The
// turn advances as soon as every answerer has submitted.
func (l *Lobby) submitAnswer(playerID, answer string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.phase != phaseAnswering || playerID == l.guesserIDLocked() {
		return
	}
	if l.playerLocked(playerID) == nil {
		return
	}

	answer = strings.TrimSpace(answer)
	if answer == "" {
		return
	}

	l.answers[playerID] = truncate(answer, maxAnswerLength)

	if c, ok := l.reg.playerSender(l.code, playerID); ok {
		sendEvent(c, answerSubmittedEvent{Type: "answer_submitted"})
	}

	total := len(l.players) - 1
	l.reg.broadcast(l.code, answerProgressEvent{
		Type:      "answer_progress",
		Submitted: len(l.answers),
		Total:     total,
	})

	if len(l.answers) >= total {
		l.cancelTimerLocked()
		l.enterRevealLocked()
	}
}

// nextReveal advances the reveal walk by one answer. Only the guesser's
// requests are honored. Walking past the last answer starts guessing.
func (l *Lobby) nextReveal(playerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.phase != phaseReveal || playerID != l.guesserIDLocked() {
		return
	}

	l.revealIdx++
	if l.revealIdx >= len(l.presentation) {
		l.enterGuessingLocked()

		return
	}

	l.broadcastRevealLocked()
}

// submitGuesses takes the guesser's authorship mapping and scores it.
// Partial mappings are scored as-is; unmapped answers count as incorrect.
func (l *Lobby) submitGuesses(playerID string, guesses map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.phase != phaseGuessing || playerID != l.guesserIDLocked() {
		return
	}

	for id, target := range guesses {
		l.guesses[id] = target
	}

	l.cancelTimerLocked()
	l.finishGuessingLocked()
}

// vote records one player's pick for a category, last write wins. Voting
// ends early once every player has voted in both categories.
func (l *Lobby) vote(playerID, category, answerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.phase != phaseVoting {
		return
	}
	if category != voteBest && category != voteFunniest {
		return
	}
	if l.playerLocked(playerID) == nil || !l.answerIDKnownLocked(answerID) {
		return
	}

	seen := false
	for _, prior := range l.votes[category] {
		if prior == answerID {
			seen = true

			break
		}
	}
	if !seen {
		l.voteOrder[category] = append(l.voteOrder[category], answerID)
	}
	l.votes[category][playerID] = answerID

	for _, p := range l.players {
		if _, ok := l.votes[voteBest][p.ID]; !ok {
			return
		}
		if _, ok := l.votes[voteFunniest][p.ID]; !ok {
			return
		}
	}

	l.cancelTimerLocked()
	l.finishVotingLocked()
}

// nextTurn is the host's advance out of results, either to the next
// guesser or to the final scoreboard once the rotation is exhausted.
func (l *Lobby) nextTurn(playerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.phase != phaseResults || playerID != l.hostID {
		return
	}

	l.pos++
	if l.pos >= len(l.rotation) {
		l.enterGameoverLocked()

		return
	}

	l.beginQuestionLocked()
}

// playAgain is the host's reset back to the lobby, from any phase.
func (l *Lobby) playAgain(playerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.destroyed || playerID != l.hostID {
		return
	}

	l.resetToLobbyLocked()
}

// timerFired runs the timeout action for the phase that armed the timer.
// A stale sequence number means the timer was canceled or replaced between
// firing and acquiring the lock, in which case this does nothing.
func (l *Lobby) timerFired(seq int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.destroyed || seq != l.timerSeq {
		return
	}
	l.timer = nil

	switch l.phase {
	case phaseQuestion:
		l.beginAnsweringLocked(defaultQuestion)
	case phaseAnswering:
		guesserID := l.guesserIDLocked()
		for _, p := range l.players {
			if p.ID == guesserID {
				continue
			}
			if _, ok := l.answers[p.ID]; !ok {
				l.answers[p.ID] = placeholderAnswer
			}
		}
		l.enterRevealLocked()
	case phaseGuessing:
		l.finishGuessingLocked()
	case phaseVoting:
		l.finishVotingLocked()
	}
}

func (l *Lobby) playerLocked(id string) *Player {
	for _, p := range l.players {
		if p.ID == id {
			return p
		}
	}

	return nil
}

func (l *Lobby) guesserIDLocked() string {
	if l.pos < 0 || l.pos >= len(l.rotation) {
		return ""
	}

	return l.rotation[l.pos]
}

func (l *Lobby) answerIDKnownLocked(id string) bool {
	for _, a := range l.presentation {
		if a.ID == id {
			return true
		}
	}

	return false
}

func (l *Lobby) rosterLocked() []playerView {
	roster := make([]playerView, 0, len(l.players))
	for _, p := range l.players {
		roster = append(roster, playerView{
			ID:        p.ID,
			Name:      p.Name,
			Score:     p.Score,
			Connected: p.Connected,
		})
	}

	return roster
}

func (l *Lobby) answerViewsLocked() []answerView {
	views := make([]answerView, 0, len(l.presentation))
	for _, a := range l.presentation {
		views = append(views, answerView{ID: a.ID, Text: a.Text})
	}

	return views
}

func (l *Lobby) broadcastRosterLocked() {
	l.reg.broadcast(l.code, lobbyUpdateEvent{
		Type:    "lobby_update",
		Players: l.rosterLocked(),
		HostID:  l.hostID,
		Code:    l.code,
	})
}

func (l *Lobby) broadcastRevealLocked() {
	a := l.presentation[l.revealIdx]
	l.reg.broadcast(l.code, revealAnswerEvent{
		Type:   "reveal_answer",
		Index:  l.revealIdx,
		Total:  len(l.presentation),
		Answer: answerView{ID: a.ID, Text: a.Text},
	})
}

// startTimerLocked replaces any pending timer with a fresh single-shot
// deadline and announces it to the lobby.
func (l *Lobby) startTimerLocked(d time.Duration) {
	l.cancelTimerLocked()

	seq := l.timerSeq
	l.timer = time.AfterFunc(d, func() {
		l.timerFired(seq)
	})

	l.reg.broadcast(l.code, timerEvent{
		Type:    "timer",
		Seconds: int(d.Seconds()),
		EndsAt:  time.Now().Add(d).UnixMilli(),
	})
}

func (l *Lobby) cancelTimerLocked() {
	l.timerSeq++
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

func (l *Lobby) beginQuestionLocked() {
	l.phase = phaseQuestion
	l.question = ""
	l.answers = make(map[string]string)
	l.presentation = nil
	l.guesses = make(map[string]string)
	l.votes = map[string]map[string]string{
		voteBest:     make(map[string]string),
		voteFunniest: make(map[string]string),
	}
	l.voteOrder = make(map[string][]string)
	l.revealIdx = 0
	l.correct = 0

	guesser := l.playerLocked(l.guesserIDLocked())

	l.reg.broadcast(l.code, questionPhaseEvent{
		Type:        "phase",
		Phase:       string(phaseQuestion),
		GuesserID:   guesser.ID,
		GuesserName: guesser.Name,
		Turn:        l.pos + 1,
		TotalTurns:  len(l.rotation),
	})
	l.startTimerLocked(l.cfg.questionTime)
}

func (l *Lobby) beginAnsweringLocked(question string) {
	l.phase = phaseAnswering
	l.question = question

	l.reg.broadcast(l.code, answeringPhaseEvent{
		Type:      "phase",
		Phase:     string(phaseAnswering),
		GuesserID: l.guesserIDLocked(),
		Question:  l.question,
	})
	l.startTimerLocked(l.cfg.answerTime)
}

// enterRevealLocked freezes the turn's answers into a shuffled presentation
// list with fresh ids, then shows the first one. There is no reveal timer;
// the guesser paces this phase.
func (l *Lobby) enterRevealLocked() {
	l.presentation = make([]Answer, 0, len(l.answers))
	for authorID, text := range l.answers {
		l.presentation = append(l.presentation, Answer{
			ID:       uuid.New().String(),
			Text:     text,
			AuthorID: authorID,
		})
	}
	rand.Shuffle(len(l.presentation), func(i, j int) {
		l.presentation[i], l.presentation[j] = l.presentation[j], l.presentation[i]
	})

	l.phase = phaseReveal
	l.revealIdx = 0

	l.reg.broadcast(l.code, revealPhaseEvent{
		Type:      "phase",
		Phase:     string(phaseReveal),
		GuesserID: l.guesserIDLocked(),
		Total:     len(l.presentation),
	})
	l.broadcastRevealLocked()
}

func (l *Lobby) enterGuessingLocked() {
	l.phase = phaseGuessing

	l.reg.broadcast(l.code, guessingPhaseEvent{
		Type:      "phase",
		Phase:     string(phaseGuessing),
		GuesserID: l.guesserIDLocked(),
		Answers:   l.answerViewsLocked(),
	})
	l.startTimerLocked(l.cfg.guessTime * time.Duration(len(l.presentation)))
}

func (l *Lobby) finishGuessingLocked() {
	l.correct = scoreGuesses(l.presentation, l.guesses)
	if guesser := l.playerLocked(l.guesserIDLocked()); guesser != nil {
		guesser.Score += l.correct
	}

	l.enterVotingLocked()
}

func (l *Lobby) enterVotingLocked() {
	l.phase = phaseVoting

	l.reg.broadcast(l.code, votingPhaseEvent{
		Type:    "phase",
		Phase:   string(phaseVoting),
		Answers: l.answerViewsLocked(),
	})
	l.startTimerLocked(l.cfg.voteTime)
}

func (l *Lobby) finishVotingLocked() {
	var best, funniest *categoryWin
	for _, category := range []string{voteBest, voteFunniest} {
		answerID, count := tallyVotes(l.votes[category], l.voteOrder[category])
		if count == 0 {
			continue
		}

		var authorID string
		for _, a := range l.presentation {
			if a.ID == answerID {
				authorID = a.AuthorID

				break
			}
		}
		if author := l.playerLocked(authorID); author != nil {
			author.Score++
		}

		win := &categoryWin{AnswerID: answerID, AuthorID: authorID}
		if category == voteBest {
			best = win
		} else {
			funniest = win
		}
	}

	l.enterResultsLocked(best, funniest)
}

// enterResultsLocked publishes the full turn breakdown: authorship, the
// guesser's matches, vote winners, and updated scores. The host advances
// from here; there is no timer.
func (l *Lobby) enterResultsLocked(best, funniest *categoryWin) {
	l.phase = phaseResults

	reveals := make([]answerReveal, 0, len(l.presentation))
	for _, a := range l.presentation {
		reveal := answerReveal{
			ID:        a.ID,
			Text:      a.Text,
			AuthorID:  a.AuthorID,
			GuessedID: l.guesses[a.ID],
		}
		if author := l.playerLocked(a.AuthorID); author != nil {
			reveal.AuthorName = author.Name
		}
		reveals = append(reveals, reveal)
	}

	l.reg.broadcast(l.code, resultsPhaseEvent{
		Type:     "phase",
		Phase:    string(phaseResults),
		Question: l.question,
		Correct:  l.correct,
		Answers:  reveals,
		Best:     best,
		Funniest: funniest,
		Players:  l.rosterLocked(),
	})
}

func (l *Lobby) enterGameoverLocked() {
	l.phase = phaseGameover

	scoreboard := l.rosterLocked()
	sort.SliceStable(scoreboard, func(i, j int) bool {
		return scoreboard[i].Score > scoreboard[j].Score
	})

	logf(l.cfg, "GAME: Finished game in %s", l.code)

	l.reg.broadcast(l.code, gameoverPhaseEvent{
		Type:       "phase",
		Phase:      string(phaseGameover),
		Scoreboard: scoreboard,
	})
}

func (l *Lobby) resetToLobbyLocked() {
	l.cancelTimerLocked()

	l.phase = phaseLobby
	l.rotation = nil
	l.pos = 0
	l.question = ""
	l.answers = nil
	l.presentation = nil
	l.guesses = nil
	l.votes = nil
	l.voteOrder = nil
	l.revealIdx = 0
	l.correct = 0
	for _, p := range l.players {
		p.Score = 0
	}

	l.reg.broadcast(l.code, lobbyPhaseEvent{
		Type:  "phase",
		Phase: string(phaseLobby),
	})
	l.broadcastRosterLocked()
}

// buildRotation concatenates one independently shuffled permutation of the
// player ids per round, so every player guesses exactly once per round.
func buildRotation(ids []string, rounds int) []string {
	rotation := make([]string, 0, len(ids)*rounds)
	for r := 0; r < rounds; r++ {
		perm := make([]string, len(ids))
		copy(perm, ids)
		rand.Shuffle(len(perm), func(i, j int) {
			perm[i], perm[j] = perm[j], perm[i]
		})
		rotation = append(rotation, perm...)
	}

	return rotation
}

// scoreGuesses counts answers whose guessed author matches the true author.
func scoreGuesses(presentation []Answer, guesses map[string]string) int {
	correct := 0
	for _, a := range presentation {
		if guesses[a.ID] == a.AuthorID {
			correct++
		}
	}

	return correct
}

// tallyVotes picks the answer with the strictly greatest vote count.
// Ties keep the earliest answer to reach the maximum, in the order answers
// first received a vote. Returns ("", 0) when nobody voted.
func tallyVotes(votes map[string]string, order []string) (string, int) {
	counts := make(map[string]int)
	for _, answerID := range votes {
		counts[answerID]++
	}

	winner := ""
	max := 0
	for _, answerID := range order {
		if counts[answerID] > max {
			winner = answerID
			max = counts[answerID]
		}
	}

	return winner, max
}
