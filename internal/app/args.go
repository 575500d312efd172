package app

import (
	"flag"
	"fmt"
	"time"

	"github.com/dmitrijs2005/mailarchiver/internal/audit"
	"github.com/dmitrijs2005/mailarchiver/internal/common"
	"github.com/dmitrijs2005/mailarchiver/internal/flagx"
)

// DefaultActor is recorded in the audit log for commands run without -actor.
const DefaultActor = "system"

type commandArgs struct {
	sourceID string
	emailID  string
	actor    string

	page       int
	limit      int
	order      string
	actorQuery string
	action     string
	since      time.Time
	until      time.Time
}

// parseCommandArgs reads the command-specific flags. Config flags in args
// are ignored here.
func parseCommandArgs(args []string) (*commandArgs, error) {
	filtered := flagx.FilterArgs(args, []string{
		"-source", "-email", "-actor", "-page", "-limit", "-order", "-by", "-action", "-since", "-until",
	})

	a := &commandArgs{}
	fs := flag.NewFlagSet("command", flag.ContinueOnError)
	fs.StringVar(&a.sourceID, "source", "", "ingestion source id (import)")
	fs.StringVar(&a.emailID, "email", "", "archived email id (check, delete)")
	fs.StringVar(&a.actor, "actor", DefaultActor, "actor recorded in the audit log")
	fs.IntVar(&a.page, "page", audit.DefaultPage, "audit log page")
	fs.IntVar(&a.limit, "limit", audit.DefaultLimit, "audit log page size")
	fs.StringVar(&a.order, "order", string(audit.SortDesc), "audit log order (asc|desc)")
	fs.StringVar(&a.actorQuery, "by", "", "audit log actor filter")
	fs.StringVar(&a.action, "action", "", "audit log action filter")
	since := fs.String("since", "", "audit log start date (RFC 3339)")
	until := fs.String("until", "", "audit log end date (RFC 3339)")

	if err := fs.Parse(filtered); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidConfig, err)
	}

	var err error
	if a.since, err = parseDate(*since); err != nil {
		return nil, err
	}
	if a.until, err = parseDate(*until); err != nil {
		return nil, err
	}
	return a, nil
}

func parseDate(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q: %v", common.ErrInvalidConfig, v, err)
	}
	return t, nil
}

func (a *commandArgs) auditQuery() audit.Query {
	return audit.Query{
		Page:       a.page,
		Limit:      a.limit,
		StartDate:  a.since,
		EndDate:    a.until,
		Actor:      a.actorQuery,
		ActionType: audit.ActionType(a.action),
		Sort:       audit.SortOrder(a.order),
	}
}
