package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/gosuri/uitable"

	"taper/internal/habit"
	"taper/internal/schedule"
)

type PreviewCmd struct {
	Start     int    `help:"Reminders per day on the first day." required:""`
	End       int    `help:"Reminders per day on the last day." required:""`
	Weeks     int    `help:"Plan length in weeks." default:"4"`
	StartDate string `help:"First day (YYYY-MM-DD). Defaults to today." name:"start-date"`
	Awake     string `help:"Awake window HH:MM-HH:MM." default:"08:00-22:00"`
	TZ        string `help:"IANA timezone." default:"Local" name:"tz"`
	Times     bool   `help:"Print every instant, not just the daily count."`
}

func (c *PreviewCmd) Run() error {
	loc, err := time.LoadLocation(c.TZ)
	if err != nil {
		return err
	}
	w, err := parseWindow(c.Awake)
	if err != nil {
		return err
	}
	start := habit.DateOf(time.Now().In(loc))
	if c.StartDate != "" {
		if start, err = habit.ParseDate(c.StartDate); err != nil {
			return err
		}
	}
	h := habit.Habit{
		ID:          "preview",
		StartPerDay: c.Start,
		EndPerDay:   c.End,
		Weeks:       c.Weeks,
		StartDate:   start,
		IsRampUp:    c.End >= c.Start,
		IsActive:    true,
	}
	if err := h.Validate(); err != nil {
		return err
	}
	days, err := schedule.Plan(h, w, loc)
	if err != nil {
		return err
	}

	bold := color.New(color.Bold)
	faint := color.New(color.Faint)

	tbl := uitable.New()
	tbl.Separator = "  "
	tbl.AddRow(bold.Sprint("DAY"), bold.Sprint("DATE"), bold.Sprint("COUNT"), bold.Sprint("WINDOW"))
	total := 0
	for _, d := range days {
		total += d.Count
		count := fmt.Sprint(d.Count)
		if d.Count == 0 {
			count = faint.Sprint(count)
		}
		tbl.AddRow(d.Index+1, d.Date, count, d.Start.Format("15:04")+"-"+d.End.Format("15:04"))
		if c.Times {
			for _, at := range d.Instants {
				tbl.AddRow("", "", "", faint.Sprint(at.Format("2006-01-02 15:04:05 MST")))
			}
		}
	}
	tbl.AddRow("", bold.Sprint("total"), bold.Sprint(total), "")
	_, err = fmt.Fprintln(color.Output, tbl)
	return err
}

func parseWindow(s string) (habit.AwakeWindow, error) {
	a, b, ok := strings.Cut(s, "-")
	if !ok || a == "" || b == "" {
		return habit.AwakeWindow{}, fmt.Errorf("invalid awake window %q (want HH:MM-HH:MM)", s)
	}
	start, err := habit.ParseTimeOfDay(a)
	if err != nil {
		return habit.AwakeWindow{}, err
	}
	end, err := habit.ParseTimeOfDay(b)
	if err != nil {
		return habit.AwakeWindow{}, err
	}
	if start == end {
		return habit.AwakeWindow{}, fmt.Errorf("awake window %q is empty", s)
	}
	return habit.AwakeWindow{Start: start, End: end}, nil
}
