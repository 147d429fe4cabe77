package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/gosuri/uitable"

	"taper/internal/config"
	"taper/internal/eventbus"
	"taper/internal/habit"
	"taper/internal/storage"
	logx "taper/pkg/logx"
)

type EventsCmd struct {
	Config string `help:"Config file (JSON or YAML)." type:"path" default:"./config.json" short:"c"`
	Habit  string `help:"Only this habit."`
	All    bool   `help:"Include answered and past reminders."`
}

func (c *EventsCmd) Run() error {
	log := logx.NewConsole("WARN")
	_, r, err := config.NewManager(c.Config, log).Load()
	if err != nil {
		return err
	}
	store, err := storage.Open(r.Storage, log, eventbus.New())
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var events []habit.ScheduleEvent
	if c.Habit != "" {
		events, err = store.ListForHabit(ctx, c.Habit)
	} else {
		events, err = store.GetAll(ctx)
	}
	if err != nil {
		return err
	}

	now := time.Now()
	bold := color.New(color.Bold)
	tbl := uitable.New()
	tbl.Separator = "  "
	tbl.AddRow(bold.Sprint("ID"), bold.Sprint("HABIT"), bold.Sprint("AT"), bold.Sprint("STATE"))
	for _, ev := range events {
		st := ev.State(now)
		if !c.All && st != habit.StateScheduled && st != habit.StateSent {
			continue
		}
		tbl.AddRow(ev.ID, ev.HabitID, ev.ScheduledAt.In(r.Location).Format("2006-01-02 15:04"), stateColor(st).Sprint(st))
	}
	_, err = fmt.Fprintln(color.Output, tbl)
	return err
}

func stateColor(st habit.State) *color.Color {
	switch st {
	case habit.StateCompleted:
		return color.New(color.FgGreen)
	case habit.StateDenied, habit.StateMissed:
		return color.New(color.FgRed)
	case habit.StateSnoozed:
		return color.New(color.FgHiYellow)
	case habit.StateSent:
		return color.New(color.FgCyan)
	}
	return color.New()
}
