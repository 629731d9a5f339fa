// Package monitor is the terminal view of one live session. Trainers drive
// the session and its quiz from the keyboard; learners answer questions.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"livesession-backend/internal/models"
	"livesession-backend/internal/reconciler"
)

// Commander sends trainer commands.
type Commander interface {
	SessionCommand(ctx context.Context, sessionID uuid.UUID, command string) (*models.SessionState, error)
	SetMode(ctx context.Context, sessionID uuid.UUID, mode models.SessionStatus) (*models.SessionState, error)
	ClearMessage(ctx context.Context, sessionID uuid.UUID) error
	StartQuiz(ctx context.Context, sessionID, activityID uuid.UUID) (*models.LiveQuizSession, error)
	QuizCommand(ctx context.Context, quizID uuid.UUID, command string) error
}

// Source is the reconciled session the monitor renders.
type Source interface {
	Updates() <-chan reconciler.View
	AttachQuiz(ctx context.Context, activityID uuid.UUID) error
	SubmitAnswer(ctx context.Context, answer json.RawMessage) (*models.SubmitResult, error)
}

const (
	commandTimeout = 10 * time.Second
	eventLines     = 8
)

// modeCycle is the order KeyCycleMode walks through.
var modeCycle = []models.SessionStatus{
	models.SessionLive, models.SessionExercise, models.SessionQuizLive, models.SessionDiscussion,
}

// advance maps a quiz status to the command that moves it forward.
var advance = map[models.QuizStatus]string{
	models.QuizWaiting:         "next",
	models.QuizQuestionDisplay: "open",
	models.QuizAnswering:       "close",
	models.QuizAnswerClosed:    "results",
	models.QuizShowingResults:  "leaderboard",
	models.QuizLeaderboard:     "next",
}

type Model struct {
	sessionID  uuid.UUID
	activityID uuid.UUID
	source     Source
	commander  Commander

	view   reconciler.View
	loaded bool

	width  int
	height int

	statusText     string
	errorMessage   string
	errorTransient bool
}

// New creates a monitor for sessionID. activityID may be uuid.Nil when no
// quiz is played.
func New(source Source, commander Commander, sessionID, activityID uuid.UUID) Model {
	return Model{
		sessionID:  sessionID,
		activityID: activityID,
		source:     source,
		commander:  commander,
		statusText: "Attaching...",
	}
}

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{waitForViewCmd(m.source)}
	if m.activityID != uuid.Nil {
		cmds = append(cmds, attachQuizCmd(m.source, m.activityID))
	}
	return tea.Batch(cmds...)
}

func waitForViewCmd(source Source) tea.Cmd {
	return func() tea.Msg {
		return ViewMsg{View: <-source.Updates()}
	}
}

func attachQuizCmd(source Source, activityID uuid.UUID) tea.Cmd {
	return run("attach quiz", func(ctx context.Context) error {
		return source.AttachQuiz(ctx, activityID)
	})
}

// run wraps a blocking call into a command reporting its result.
func run(action string, fn func(ctx context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		return CommandResultMsg{Action: action, Err: fn(ctx)}
	}
}

func clearTransientErrorCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(time.Time) tea.Msg {
		return ClearTransientErrorMsg{}
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case ViewMsg:
		m.view = msg.View
		m.loaded = true
		switch {
		case !m.view.Connected:
			m.statusText = "Disconnected. Reattaching..."
		case m.view.Reattaches > 0:
			m.statusText = fmt.Sprintf("Connected (reattached %d)", m.view.Reattaches)
		default:
			m.statusText = "Connected"
		}
		return m, waitForViewCmd(m.source)

	case CommandResultMsg:
		if msg.Err != nil {
			m.errorMessage = fmt.Sprintf("%s: %v", msg.Action, msg.Err)
			m.errorTransient = true
			return m, clearTransientErrorCmd()
		}
		m.statusText = msg.Action + " ok"
		return m, nil

	case ClearTransientErrorMsg:
		if m.errorTransient {
			m.errorMessage = ""
			m.errorTransient = false
		}
		return m, nil
	}
	return m, nil
}

func (m Model) isTrainer() bool {
	return m.view.Me != nil && m.view.Me.Role == models.RoleTrainer
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	if key == KeyQuit || key == KeyCtrlC {
		return m, tea.Quit
	}
	if !m.loaded {
		return m, nil
	}
	if m.isTrainer() {
		return m, m.trainerKey(key)
	}
	return m, m.learnerKey(key)
}

func (m Model) trainerKey(key string) tea.Cmd {
	sid := m.sessionID
	session := func(command string) tea.Cmd {
		return run(command, func(ctx context.Context) error {
			_, err := m.commander.SessionCommand(ctx, sid, command)
			return err
		})
	}
	quiz := func(command string) tea.Cmd {
		q := m.view.Quiz
		if q == nil || q.Run == nil {
			return nil
		}
		id := q.Run.ID
		return run(command, func(ctx context.Context) error {
			return m.commander.QuizCommand(ctx, id, command)
		})
	}

	switch key {
	case KeyStart:
		return session("start")
	case KeyPause:
		return session("pause")
	case KeyResume:
		return session("resume")
	case KeyEnd:
		return session("end")
	case KeyClearMsg:
		return run("clear message", func(ctx context.Context) error {
			return m.commander.ClearMessage(ctx, sid)
		})
	case KeyCycleMode:
		mode := m.nextMode()
		return run("mode "+string(mode), func(ctx context.Context) error {
			_, err := m.commander.SetMode(ctx, sid, mode)
			return err
		})
	case KeyStartQuiz:
		if m.activityID == uuid.Nil {
			return nil
		}
		activityID := m.activityID
		return run("start quiz", func(ctx context.Context) error {
			if _, err := m.commander.StartQuiz(ctx, sid, activityID); err != nil {
				return err
			}
			return m.source.AttachQuiz(ctx, activityID)
		})
	case KeyAdvance:
		q := m.view.Quiz
		if q == nil || q.Run == nil {
			return nil
		}
		if next, ok := advance[q.Run.Status]; ok {
			return quiz(next)
		}
	case KeyLeaderboard:
		return quiz("leaderboard")
	case KeyEndQuiz:
		return quiz("end")
	}
	return nil
}

func (m Model) nextMode() models.SessionStatus {
	if m.view.State == nil {
		return modeCycle[0]
	}
	for i, mode := range modeCycle {
		if mode == m.view.State.Status {
			return modeCycle[(i+1)%len(modeCycle)]
		}
	}
	return modeCycle[0]
}

func (m Model) learnerKey(key string) tea.Cmd {
	var n int
	switch key {
	case KeyOption1:
		n = 1
	case KeyOption2:
		n = 2
	case KeyOption3:
		n = 3
	case KeyOption4:
		n = 4
	default:
		return nil
	}
	question := m.view.Quiz.Current()
	if question == nil || n > len(question.Options) {
		return nil
	}
	answer, _ := json.Marshal(question.Options[n-1].ID)
	return run("answer", func(ctx context.Context) error {
		_, err := m.source.SubmitAnswer(ctx, answer)
		return err
	})
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	if !m.loaded {
		b.WriteString(statusStyle.Render(m.statusText))
		b.WriteString("\n")
		return b.String()
	}

	left := lipgloss.JoinVertical(lipgloss.Left, m.renderMembers(), m.renderEvents())
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, left, m.renderQuiz()))
	b.WriteString("\n")
	if m.errorMessage != "" {
		b.WriteString(errorStyle.Render(m.errorMessage))
		b.WriteString("\n")
	}
	b.WriteString(m.renderFooter())
	return b.String()
}

func (m Model) renderHeader() string {
	parts := []string{titleStyle.Render("Session " + m.sessionID.String()[:8])}
	if st := m.view.State; st != nil {
		parts = append(parts, statusBadge(st.Status))
		if st.CurrentItemRef != nil {
			parts = append(parts, statusStyle.Render("item "+*st.CurrentItemRef))
		}
		if st.TrainerMessage != nil {
			parts = append(parts, pausedBadgeStyle.Render(fmt.Sprintf("[%s] %s", st.TrainerMessage.Kind, st.TrainerMessage.Text)))
		}
	}
	parts = append(parts, statusStyle.Render(m.statusText))
	return strings.Join(parts, "  ")
}

func statusBadge(status models.SessionStatus) string {
	label := strings.ToUpper(string(status))
	switch status {
	case models.SessionBreak, models.SessionWaiting:
		return pausedBadgeStyle.Render(label)
	case models.SessionCompleted:
		return endedBadgeStyle.Render(label)
	}
	return liveBadgeStyle.Render(label)
}

func (m Model) renderMembers() string {
	members := make([]*models.Member, 0, len(m.view.Members))
	for _, mem := range m.view.Members {
		members = append(members, mem)
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Role != members[j].Role {
			return members[i].Role == models.RoleTrainer
		}
		return members[i].DisplayName < members[j].DisplayName
	})

	lines := []string{panelTitleStyle.Render(fmt.Sprintf("Members (%d online)", len(m.view.Presence)))}
	for _, mem := range members {
		dot := offlineStyle.Render("○")
		if m.view.Online(mem.UserID) {
			dot = onlineStyle.Render("●")
		}
		line := fmt.Sprintf("%s %s", dot, mem.DisplayName)
		if mem.Role == models.RoleTrainer {
			line += statusStyle.Render(" (trainer)")
		}
		if p, ok := m.view.Progress[mem.UserID]; ok {
			pace := string(p.RelativeStatus)
			if p.RelativeStatus == models.PaceStuck {
				pace = stuckStyle.Render(pace)
			}
			line += fmt.Sprintf("  %d/%d  %s", p.ItemsCompleted, p.ItemsViewed, pace)
		}
		if mem.Status == models.MemberDropped {
			line += statusStyle.Render(" left")
		}
		lines = append(lines, line)
	}
	return panelStyle.Render(strings.Join(lines, "\n"))
}

func (m Model) renderEvents() string {
	lines := []string{panelTitleStyle.Render("Events")}
	events := m.view.Events
	if len(events) > eventLines {
		events = events[len(events)-eventLines:]
	}
	for _, ev := range events {
		who := ""
		if ev.UserID != nil {
			if mem, ok := m.view.Members[*ev.UserID]; ok {
				who = " " + mem.DisplayName
			}
		}
		lines = append(lines, fmt.Sprintf("#%d %s%s", ev.Seq, ev.EventType, statusStyle.Render(who)))
	}
	return panelStyle.Render(strings.Join(lines, "\n"))
}

func (m Model) renderQuiz() string {
	q := m.view.Quiz
	if q == nil || q.Run == nil {
		return panelStyle.Render(panelTitleStyle.Render("Quiz") + "\n" + statusStyle.Render("no quiz running"))
	}
	run := q.Run
	lines := []string{panelTitleStyle.Render(fmt.Sprintf("Quiz  %s  %d/%d", run.Status, run.CurrentQuestionIndex+1, run.TotalQuestions))}

	if question := q.Current(); question != nil && run.Status != models.QuizWaiting {
		lines = append(lines, question.Question)
		for i, opt := range question.Options {
			lines = append(lines, fmt.Sprintf("  %d) %s", i+1, opt.Text))
		}
	}
	if run.Status == models.QuizAnswering {
		lines = append(lines, fmt.Sprintf("%ds left  %d answers", int(q.Remaining.Seconds()), q.AnswerCount))
	}
	if q.HasAnswered {
		lines = append(lines, onlineStyle.Render("answered"))
	}
	if res, ok := q.Results[run.CurrentQuestionIndex]; ok && run.Status != models.QuizAnswering {
		keys := make([]string, 0, len(res.AnswerDistribution))
		for k := range res.AnswerDistribution {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			lines = append(lines, fmt.Sprintf("  %s: %d", k, res.AnswerDistribution[k]))
		}
		lines = append(lines, fmt.Sprintf("%d/%d correct", res.CorrectCount, res.TotalAnswers))
	}
	if run.Status == models.QuizLeaderboard || run.Status == models.QuizCompleted {
		for _, e := range run.Leaderboard {
			lines = append(lines, fmt.Sprintf("%2d. %-16s %d", e.Rank, e.DisplayName, e.TotalScore))
		}
	}
	if q.MyScore != nil {
		lines = append(lines, fmt.Sprintf("my score %d", q.MyScore.TotalScore))
	}
	return panelStyle.Render(strings.Join(lines, "\n"))
}

func (m Model) renderFooter() string {
	type binding struct{ key, desc string }
	var bindings []binding
	if m.isTrainer() {
		bindings = []binding{
			{KeyStart, "start"}, {KeyPause, "pause"}, {KeyResume, "resume"}, {KeyEnd, "end"},
			{KeyCycleMode, "mode"}, {KeyClearMsg, "clear msg"}, {KeyStartQuiz, "quiz"},
			{"space", "advance"}, {KeyLeaderboard, "board"}, {KeyEndQuiz, "end quiz"},
		}
	} else {
		bindings = []binding{{"1-4", "answer"}}
	}
	bindings = append(bindings, binding{KeyQuit, "quit"})

	parts := make([]string, 0, len(bindings))
	for _, bd := range bindings {
		parts = append(parts, footerKeyStyle.Render(bd.key)+" "+footerDescStyle.Render(bd.desc))
	}
	return strings.Join(parts, "  ")
}
