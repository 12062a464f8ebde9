// ReplChat TUI client.
//
// Screens
// -------
//   stateLogin – centered login / register form
//   stateChat  – full-screen log with scrollable viewport and command input
//
// Concurrency
// -----------
//   The failover session owns the replica connection and hops between the
//   configured replicas as they fail.  A single tea.Cmd polls it with a
//   short deadline and feeds inbound frames to the event loop, immediately
//   rescheduling itself after each poll.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"replchat/internal/client"
	"replchat/internal/config"
	"replchat/internal/protocol"
)

// ---------------------------------------------------------------------------
// Styles
// ---------------------------------------------------------------------------

var (
	purple = lipgloss.Color("99")
	cyan   = lipgloss.Color("86")
	green  = lipgloss.Color("82")
	red    = lipgloss.Color("196")
	yellow = lipgloss.Color("220")
	gray   = lipgloss.Color("241")
	white  = lipgloss.Color("255")
	orange = lipgloss.Color("214")
	blue   = lipgloss.Color("75")

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Background(purple).
			Foreground(white).
			Padding(0, 1)

	footerBorderStyle = lipgloss.NewStyle().
				Border(lipgloss.NormalBorder(), true, false, false, false).
				BorderForeground(gray).
				Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(purple).
			Padding(0, 2)

	labelStyle = lipgloss.NewStyle().
			Foreground(gray).
			Width(10)

	focusedLabelStyle = lipgloss.NewStyle().
				Foreground(cyan).
				Width(10)

	hintStyle = lipgloss.NewStyle().
			Foreground(gray).
			Italic(true)

	successStyle = lipgloss.NewStyle().Foreground(green)
	errorStyle   = lipgloss.NewStyle().Foreground(red)
	sysStyle     = lipgloss.NewStyle().Foreground(yellow).Italic(true)
	idStyle      = lipgloss.NewStyle().Foreground(gray)
	myNameStyle  = lipgloss.NewStyle().Bold(true).Foreground(orange)
	peerStyle    = lipgloss.NewStyle().Bold(true).Foreground(blue)
)

// ---------------------------------------------------------------------------
// Bubbletea message types
// ---------------------------------------------------------------------------

type serverFrameMsg *protocol.Message // one frame arrived from a replica
type pollIdleMsg struct{}             // poll deadline elapsed with no frame
type offlineMsg struct{}              // no replica is reachable right now
type retryPollMsg struct{}            // offline backoff elapsed, poll again

// ---------------------------------------------------------------------------
// Application state
// ---------------------------------------------------------------------------

type appState int

const (
	stateLogin appState = iota
	stateChat
)

// ---------------------------------------------------------------------------
// Model
// ---------------------------------------------------------------------------

type model struct {
	sess *client.Session

	state appState
	me    string // authenticated username

	// Login / register
	loginIsReg  bool
	loginFocus  int
	loginFields [2]textinput.Model // [0]=username  [1]=password
	statusMsg   string

	// Chat
	ready     bool
	viewport  viewport.Model
	chatInput textinput.Model
	chatLines []string
	offline   bool

	width, height int
}

func newModel(sess *client.Session) model {
	uf := textinput.New()
	uf.Placeholder = "username"
	uf.Focus()
	uf.CharLimit = 32
	uf.Width = 32

	pf := textinput.New()
	pf.Placeholder = "password"
	pf.EchoMode = textinput.EchoPassword
	pf.EchoCharacter = '•'
	pf.CharLimit = 64
	pf.Width = 32

	ci := textinput.New()
	ci.Placeholder = "/msg <user> <text>   /fetch [n]   /list [pattern]   /help"
	ci.CharLimit = 500

	return model{
		sess:        sess,
		state:       stateLogin,
		loginFields: [2]textinput.Model{uf, pf},
		chatInput:   ci,
	}
}

// ---------------------------------------------------------------------------
// Tea interface – Init
// ---------------------------------------------------------------------------

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, pollSession(m.sess))
}

// ---------------------------------------------------------------------------
// Tea interface – Update
// ---------------------------------------------------------------------------

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if !m.ready {
			m.viewport = viewport.New(msg.Width, m.vpHeight())
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = m.vpHeight()
		}
		m.chatInput.Width = msg.Width - 4
		return m, nil

	case serverFrameMsg:
		m.offline = false
		m = m.handleFrame((*protocol.Message)(msg))
		return m, pollSession(m.sess)

	case pollIdleMsg:
		// An idle poll means the link is up.
		if m.offline {
			m.offline = false
			m.appendChat(sysStyle.Render("⚡ reconnected to a replica"))
		}
		return m, pollSession(m.sess)

	case retryPollMsg:
		return m, pollSession(m.sess)

	case offlineMsg:
		if !m.offline {
			m.offline = true
			if m.state == stateChat {
				m.appendChat(sysStyle.Render("⚡ all replicas unreachable, retrying… (requests are queued)"))
			} else {
				m.statusMsg = "all replicas unreachable, retrying…"
			}
		}
		// Back off the poll loop while nothing is reachable.
		return m, tea.Tick(500*time.Millisecond, func(time.Time) tea.Msg {
			return retryPollMsg{}
		})

	case tea.KeyMsg:
		switch m.state {
		case stateLogin:
			return m.handleLoginKey(msg)
		case stateChat:
			return m.handleChatKey(msg)
		}
	}
	return m, nil
}

// vpHeight returns the number of lines available for the chat viewport.
func (m model) vpHeight() int {
	// header (1) + footer border (1) + footer input (1) = 3 lines reserved
	h := m.height - 3
	if h < 1 {
		h = 1
	}
	return h
}

// ---------------------------------------------------------------------------
// Key handlers
// ---------------------------------------------------------------------------

func (m model) handleLoginKey(msg tea.KeyMsg) (model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		return m, tea.Quit

	case tea.KeyTab, tea.KeyShiftTab:
		m.loginFocus = (m.loginFocus + 1) % 2
		for i := range m.loginFields {
			if i == m.loginFocus {
				m.loginFields[i].Focus()
			} else {
				m.loginFields[i].Blur()
			}
		}
		return m, textinput.Blink

	case tea.KeyCtrlR:
		m.loginIsReg = !m.loginIsReg
		m.statusMsg = ""
		return m, nil

	case tea.KeyEnter:
		user := strings.TrimSpace(m.loginFields[0].Value())
		pass := m.loginFields[1].Value()
		if user == "" || pass == "" {
			m.statusMsg = "username and password are required"
			return m, nil
		}
		cmd := protocol.CmdLogin
		if m.loginIsReg {
			cmd = protocol.CmdCreate
		}
		m.sess.Send(&protocol.Message{Cmd: cmd, Src: user, Body: pass})
		m.statusMsg = "Authenticating…"
		return m, nil
	}

	var cmd tea.Cmd
	m.loginFields[m.loginFocus], cmd = m.loginFields[m.loginFocus].Update(msg)
	return m, cmd
}

func (m model) handleChatKey(msg tea.KeyMsg) (model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC, tea.KeyCtrlQ:
		m.sess.Send(&protocol.Message{Cmd: protocol.CmdLogoff, Src: m.me})
		m.sess.Close()
		return m, tea.Quit

	case tea.KeyEnter:
		line := strings.TrimSpace(m.chatInput.Value())
		if line != "" {
			m = m.runCommand(line)
			m.chatInput.Reset()
		}
		return m, nil

	case tea.KeyPgUp:
		m.viewport.HalfViewUp()
		return m, nil

	case tea.KeyPgDown:
		m.viewport.HalfViewDown()
		return m, nil
	}

	var cmd tea.Cmd
	m.chatInput, cmd = m.chatInput.Update(msg)
	return m, cmd
}

// runCommand parses one input line.  A bare line is shorthand for
// "/msg <user> <text>" when it starts with "user:".
func (m model) runCommand(line string) model {
	if !strings.HasPrefix(line, "/") {
		if to, body, ok := strings.Cut(line, ":"); ok && !strings.Contains(to, " ") {
			return m.sendMessage(strings.TrimSpace(to), strings.TrimSpace(body))
		}
		m.appendChat(errorStyle.Render("⚠ use /msg <user> <text>, or \"user: text\""))
		return m
	}

	cmd, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "msg":
		to, body, ok := strings.Cut(rest, " ")
		if !ok {
			m.appendChat(errorStyle.Render("⚠ usage: /msg <user> <text>"))
			return m
		}
		return m.sendMessage(to, strings.TrimSpace(body))

	case "fetch":
		n := 0 // peek everything by default
		if rest != "" {
			v, err := strconv.Atoi(rest)
			if err != nil || v < 0 {
				m.appendChat(errorStyle.Render("⚠ usage: /fetch [n]"))
				return m
			}
			n = v
		}
		m.sess.Send(&protocol.Message{Cmd: protocol.CmdDeliver, Src: m.me, Limit: uint16(n)})

	case "list":
		m.sess.Send(&protocol.Message{Cmd: protocol.CmdList, Src: m.me, Body: rest})

	case "delmsg":
		if rest == "" {
			m.appendChat(errorStyle.Render("⚠ usage: /delmsg <id>[,<id>…]"))
			return m
		}
		ids := strings.Split(rest, ",")
		m.sess.Send(&protocol.Message{Cmd: protocol.CmdDeleteMsgs, Src: m.me, MsgIDs: ids})

	case "delete":
		m.sess.Send(&protocol.Message{Cmd: protocol.CmdDelete, Src: m.me})

	case "logoff":
		m.sess.Send(&protocol.Message{Cmd: protocol.CmdLogoff, Src: m.me})

	case "help":
		m.appendChat(hintStyle.Render("/msg <user> <text>  ·  /fetch [n] (0 = peek all)  ·  /list [pattern]"))
		m.appendChat(hintStyle.Render("/delmsg <id,…>  ·  /logoff  ·  /delete (remove account)  ·  Ctrl+C quit"))

	default:
		m.appendChat(errorStyle.Render("⚠ unknown command /" + cmd + " — try /help"))
	}
	return m
}

func (m model) sendMessage(to, body string) model {
	if to == "" || body == "" {
		m.appendChat(errorStyle.Render("⚠ recipient and text are required"))
		return m
	}
	sent := m.sess.Send(&protocol.Message{Cmd: protocol.CmdSend, Src: m.me, To: to, Body: body})
	line := myNameStyle.Render(m.me) + " → " + peerStyle.Render(to) + ": " + body
	if !sent {
		line += " " + hintStyle.Render("(queued until a replica is reachable)")
	}
	m.appendChat(line)
	return m
}

// ---------------------------------------------------------------------------
// Inbound frame handler
// ---------------------------------------------------------------------------

func (m model) handleFrame(f *protocol.Message) model {
	switch f.Cmd {

	case protocol.CmdServerStatus:
		// The replica stopped serving; the session has already rotated.  A
		// fresh replica knows nothing about this login.
		if m.state == stateChat {
			m.appendChat(sysStyle.Render("⚡ " + f.Body))
			m.appendChat(sysStyle.Render("⚡ session lost, please log in again"))
		}
		m.state = stateLogin
		m.statusMsg = f.Body
		m.loginFields[0].Focus()
		m.loginFields[1].Blur()
		m.loginFocus = 0
		return m

	case protocol.CmdCreate, protocol.CmdLogin:
		if f.Error {
			if m.state == stateLogin {
				m.statusMsg = f.Body
			} else {
				m.appendChat(errorStyle.Render("⚠ " + f.Body))
			}
			return m
		}
		m.me = f.To
		m.state = stateChat
		m.chatInput.Focus()
		m.appendChat(successStyle.Render("✓ " + f.Body))
		if f.Cmd == protocol.CmdLogin {
			// Show the queue right away without consuming it.
			m.sess.Send(&protocol.Message{Cmd: protocol.CmdDeliver, Src: m.me, Limit: 0})
		}
		return m

	case protocol.CmdDeliver:
		if f.Src != "" {
			// One queued or inline message.
			line := peerStyle.Render(f.Src) + ": " + f.Body
			if len(f.MsgIDs) == 1 {
				line += " " + idStyle.Render("("+f.MsgIDs[0]+")")
			}
			m.appendChat(line)
			return m
		}
		// Terminal status for a fetch.
		if f.Error {
			m.appendChat(errorStyle.Render("⚠ " + f.Body))
		} else {
			m.appendChat(sysStyle.Render("⚡ " + f.Body))
		}
		return m

	case protocol.CmdList:
		if f.Error {
			m.appendChat(errorStyle.Render("⚠ " + f.Body))
			return m
		}
		if f.Body == "" {
			m.appendChat(sysStyle.Render("⚡ no matching accounts"))
		} else {
			m.appendChat(sysStyle.Render("⚡ accounts: " + f.Body))
		}
		return m

	case protocol.CmdLogoff, protocol.CmdDelete:
		if f.Error {
			m.appendChat(errorStyle.Render("⚠ " + f.Body))
			return m
		}
		m.appendChat(successStyle.Render("✓ " + f.Body))
		m.state = stateLogin
		m.me = ""
		m.statusMsg = ""
		m.loginFields[0].Focus()
		m.loginFields[1].Blur()
		m.loginFocus = 0
		return m

	default:
		if f.Error {
			m.appendChat(errorStyle.Render("⚠ " + f.Body))
		} else if f.Body != "" {
			m.appendChat(successStyle.Render("✓ " + f.Body))
		}
	}
	return m
}

// appendChat adds a rendered line and scrolls the viewport to the bottom.
func (m *model) appendChat(line string) {
	m.chatLines = append(m.chatLines, line)
	m.viewport.SetContent(strings.Join(m.chatLines, "\n"))
	m.viewport.GotoBottom()
}

// ---------------------------------------------------------------------------
// Tea interface – View
// ---------------------------------------------------------------------------

func (m model) View() string {
	switch m.state {
	case stateLogin:
		return m.viewLogin()
	case stateChat:
		return m.viewChat()
	}
	return ""
}

func (m model) viewLogin() string {
	if m.width == 0 {
		return "\n  Connecting to a replica…"
	}

	mode := "Login"
	other := "Register"
	if m.loginIsReg {
		mode, other = "Register", "Login"
	}

	title := titleStyle.Render("  ReplChat Terminal  ")

	renderField := func(label string, f textinput.Model, focused bool) string {
		var lbl string
		if focused {
			lbl = focusedLabelStyle.Render(label)
		} else {
			lbl = labelStyle.Render(label)
		}
		return lbl + "  " + f.View()
	}

	form := lipgloss.JoinVertical(lipgloss.Left,
		title,
		"",
		renderField("Username", m.loginFields[0], m.loginFocus == 0),
		renderField("Password", m.loginFields[1], m.loginFocus == 1),
		"",
		hintStyle.Render(fmt.Sprintf("Tab: switch field   Enter: %s   Ctrl+R: switch to %s", mode, other)),
		hintStyle.Render("Ctrl+C: quit"),
		"",
		m.renderStatus(),
	)

	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, form)
}

func (m model) viewChat() string {
	if !m.ready {
		return "\n  Connecting…"
	}

	link := "connected"
	if m.offline {
		link = fmt.Sprintf("offline · %d queued", m.sess.Queued())
	}
	hdr := headerStyle.
		Width(m.width).
		Render(fmt.Sprintf(" ReplChat  ·  %s  ·  %s  ·  /help  PgUp/Dn: Scroll  Ctrl+C: Quit", m.me, link))

	footer := footerBorderStyle.
		Width(m.width - 2).
		Render(m.chatInput.View())

	return lipgloss.JoinVertical(lipgloss.Left, hdr, m.viewport.View(), footer)
}

// renderStatus renders the login status line with appropriate colour.
func (m model) renderStatus() string {
	if m.statusMsg == "" {
		return ""
	}
	if strings.Contains(m.statusMsg, "Authenticating") {
		return hintStyle.Render(m.statusMsg)
	}
	return errorStyle.Render(m.statusMsg)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// pollSession returns a tea.Cmd that polls the failover session once.  The
// poll blocks for at most the session's read deadline, so the event loop
// keeps breathing.
func pollSession(sess *client.Session) tea.Cmd {
	return func() tea.Msg {
		f, err := sess.Poll()
		if err != nil {
			return offlineMsg{}
		}
		if f == nil {
			return pollIdleMsg{}
		}
		return serverFrameMsg(f)
	}
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	servers := flag.String("servers", strings.Join(cfg.Client.Servers, ","), "comma-separated replica addresses in rotation order")
	custom := flag.Bool("custom", cfg.Client.CustomMode, "use the binary wire codec")
	queueLim := flag.Int("queue-limit", cfg.Client.QueueLimit, "offline request queue cap (0 = unbounded)")
	flag.Parse()

	sess, err := client.New(client.Options{
		Servers:    strings.Split(*servers, ","),
		Codec:      protocol.ForMode(*custom),
		QueueLimit: *queueLim,
		Logger:     zap.NewNop(), // logs would corrupt the TUI
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer sess.Close()

	p := tea.NewProgram(
		newModel(sess),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
