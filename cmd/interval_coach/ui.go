package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"

	"github.com/pacekit/interval-coach/internal/async"
	"github.com/pacekit/interval-coach/internal/coach"
	"github.com/pacekit/interval-coach/internal/music"
	"github.com/pacekit/interval-coach/internal/recovery"
	"github.com/pacekit/interval-coach/internal/workout"
)

// dashboard is the terminal UI: live vitals and session state on the left,
// music status and an event feed on the right.
type dashboard struct {
	app    *tview.Application
	coach  *coach.Coach
	ctrl   *music.Controller
	plan   workout.Plan
	logger *zap.Logger

	vitalsView  *tview.TextView
	sessionView *tview.TextView
	musicView   *tview.TextView
	feedView    *tview.TextView

	background bool
}

func newDashboard(c *coach.Coach, ctrl *music.Controller, plan workout.Plan, logger *zap.Logger) *dashboard {
	d := &dashboard{
		app:    tview.NewApplication(),
		coach:  c,
		ctrl:   ctrl,
		plan:   plan,
		logger: logger.Named("ui"),
	}

	d.vitalsView = tview.NewTextView().SetDynamicColors(true)
	d.vitalsView.SetBorder(true).SetTitle(" Heart Rate ")

	d.sessionView = tview.NewTextView().SetDynamicColors(true)
	d.sessionView.SetBorder(true).SetTitle(" Session ")

	d.musicView = tview.NewTextView().SetDynamicColors(true)
	d.musicView.SetBorder(true).SetTitle(" Music ")

	d.feedView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetChangedFunc(func() { d.app.Draw() })
	d.feedView.SetBorder(true).SetTitle(" Events ")

	left := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(d.vitalsView, 0, 1, false).
		AddItem(d.sessionView, 0, 1, false).
		AddItem(d.musicView, 0, 1, false)

	flex := tview.NewFlex().
		AddItem(left, 0, 1, false).
		AddItem(d.feedView, 0, 1, true)

	help := tview.NewTextView().
		SetText(" s: start/stop session   p: pause/resume   b: background toggle   q: quit")
	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(flex, 0, 1, true).
		AddItem(help, 1, 0, false)

	d.app.SetRoot(root, true).SetInputCapture(d.handleKey)
	return d
}

func (d *dashboard) feed(format string, args ...interface{}) {
	fmt.Fprintf(d.feedView, "[%s] %s\n", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}

func (d *dashboard) handleKey(event *tcell.EventKey) *tcell.EventKey {
	switch {
	case event.Key() == tcell.KeyEscape, event.Rune() == 'q':
		d.app.Stop()
		return nil
	case event.Rune() == 's':
		if d.coach.SessionState().Phase == workout.PhaseHigh ||
			d.coach.SessionState().Phase == workout.PhaseRest {
			d.coach.StopSession()
			d.feed("session stopped")
		} else if err := d.coach.StartSession(d.plan); err != nil {
			d.feed("[red]cannot start session: %v", err)
		} else {
			d.feed("session started: %d intervals", d.plan.TotalIntervals)
		}
		return nil
	case event.Rune() == 'p':
		if d.coach.SessionState().Paused {
			d.coach.ResumeSession()
			d.feed("session resumed")
		} else {
			d.coach.PauseSession()
			d.feed("session paused")
		}
		return nil
	case event.Rune() == 'b':
		d.background = !d.background
		phase := recovery.Foreground
		if d.background {
			phase = recovery.Background
		}
		d.coach.SetAppPhase(phase)
		d.feed("app phase: %v", map[bool]string{true: "background", false: "foreground"}[d.background])
		return nil
	}
	return event
}

// run subscribes to every state event and blocks in the tview event loop.
func (d *dashboard) run(ctx context.Context) error {
	vitals := make(chan coach.Vitals, 16)
	sessions := make(chan workout.SessionState, 16)
	defer d.coach.ListenVitals(vitals)()
	defer d.coach.ListenSession(sessions)()

	var connStates chan music.StateSnapshot
	var tracks chan music.TrackSnapshot
	var alerts chan music.Alert
	if d.ctrl != nil {
		connStates = make(chan music.StateSnapshot, 16)
		tracks = make(chan music.TrackSnapshot, 16)
		alerts = make(chan music.Alert, 16)
		defer d.ctrl.StateMachine().Listen(connStates)()
		defer d.ctrl.Reconciler().Listen(tracks)()
		defer d.ctrl.ListenAlerts(alerts)()
	}

	async.Go(d.logger, func() {
		for {
			select {
			case <-ctx.Done():
				return
			case v := <-vitals:
				d.renderVitals(v)
			case s := <-sessions:
				d.renderSession(s)
			case cs := <-connStates:
				d.renderConnState(cs)
			case tr := <-tracks:
				d.renderTrack(tr)
			case a := <-alerts:
				d.app.QueueUpdateDraw(func() {
					d.feed("[red]%s", a.Message)
					if a.NeedsReauth {
						d.feed("[red]re-authorize music from the companion app")
					}
				})
			}
		}
	})

	d.renderSession(d.coach.SessionState())
	return d.app.Run()
}

func (d *dashboard) renderVitals(v coach.Vitals) {
	d.app.QueueUpdateDraw(func() {
		d.vitalsView.Clear()
		zone := "-"
		if v.InZone {
			zone = fmt.Sprintf("%d", v.Zone)
		}
		b := d.coach.ZoneBoundaries()
		fmt.Fprintf(d.vitalsView, " BPM:  [yellow]%d[-]\n Zone: [green]%s[-]\n\n Floor: %d  Z5 top: %d\n",
			v.BPM, zone, b.Zone1Lower, b.Zone5Upper)
	})
}

func (d *dashboard) renderSession(s workout.SessionState) {
	d.app.QueueUpdateDraw(func() {
		d.sessionView.Clear()
		paused := ""
		if s.Paused {
			paused = " [red](paused)[-]"
		}
		fmt.Fprintf(d.sessionView, " Phase:     %s%s\n Interval:  %d / %d\n Remaining: [yellow]%s[-]\n",
			s.Phase, paused, s.IntervalIndex, s.TotalIntervals, s.RemainingDisplay)
	})
}

func (d *dashboard) renderConnState(cs music.StateSnapshot) {
	d.app.QueueUpdateDraw(func() {
		d.feed("music connection: %v", cs.State)
		d.redrawMusic()
	})
}

func (d *dashboard) renderTrack(music.TrackSnapshot) {
	d.app.QueueUpdateDraw(d.redrawMusic)
}

func (d *dashboard) redrawMusic() {
	d.musicView.Clear()
	if d.ctrl == nil {
		fmt.Fprint(d.musicView, " disabled\n")
		return
	}
	fmt.Fprintf(d.musicView, " State: %v\n", d.ctrl.StateMachine().State())
	if tr, ok := d.ctrl.Reconciler().Displayed(); ok {
		playing := "paused"
		if tr.IsPlaying {
			playing = "playing"
		}
		fmt.Fprintf(d.musicView, " Track: %s - %s (%s)\n", tr.Artist, tr.Title, playing)
	}
}
