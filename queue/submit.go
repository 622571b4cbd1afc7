package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/drover-mta/drover/dns"
	"github.com/drover-mta/drover/mlog"
	"github.com/drover-mta/drover/spool"
)

// Submission describes an incoming message for one or more recipients.
type Submission struct {
	Campaign      string
	Tenant        string
	Sender        string // Envelope sender, empty for bounces.
	Recipients    []string
	RoutingDomain string // Overrides the recipient domain for MX resolution.
	Meta          map[string]string
}

// Submit spools the message for each recipient and schedules immediate
// delivery. Recipients on the suppression list are skipped; if every
// recipient is suppressed, spool.ErrSuppressed is returned. While the
// process is at its memory limit, ErrMemory is returned instead of
// accepting work. Returned IDs are for the accepted recipients, in their
// order.
func (mgr *Manager) Submit(ctx context.Context, sub Submission, body []byte) ([]int64, error) {
	if mgr.memCritical() {
		return nil, ErrMemory
	}
	if len(sub.Recipients) == 0 {
		return nil, fmt.Errorf("no recipients")
	}
	log := mgr.log.WithCid(mlog.Cid())

	var msgs []*spool.Msg
	for _, rcpt := range sub.Recipients {
		domain, err := recipientDomain(rcpt)
		if err != nil {
			return nil, fmt.Errorf("recipient %q: %v", rcpt, err)
		}
		if sup, err := spool.SuppressionLookup(ctx, rcpt); err != nil {
			return nil, fmt.Errorf("suppression lookup: %v", err)
		} else if sup != nil {
			log.Info("skipping suppressed recipient", slog.String("recipient", rcpt), slog.String("reason", sup.Reason))
			continue
		}
		name := Name{Campaign: sub.Campaign, Tenant: sub.Tenant, Domain: domain, RoutingDomain: sub.RoutingDomain}
		msgs = append(msgs, &spool.Msg{
			QueueName:     name.String(),
			Campaign:      sub.Campaign,
			Tenant:        sub.Tenant,
			Domain:        domain,
			RoutingDomain: sub.RoutingDomain,
			Sender:        sub.Sender,
			Recipient:     rcpt,
			Meta:          sub.Meta,
			NextAttempt:   time.Now(),
		})
	}
	if len(msgs) == 0 {
		return nil, spool.ErrSuppressed
	}

	ids := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		if err := spool.Add(ctx, log, m, body); err != nil {
			return ids, fmt.Errorf("spooling message: %v", err)
		}
		ids = append(ids, m.ID)
	}
	if len(msgs) > 1 {
		// Mark the group so recipients to one destination can share a
		// transaction.
		for _, m := range msgs {
			m.BaseID = msgs[0].ID
			if err := spool.Update(ctx, m); err != nil {
				return ids, fmt.Errorf("linking batch: %v", err)
			}
		}
	}
	for _, m := range msgs {
		record(log, recReception, m, slog.String("sender", sub.Sender))
		mgr.schedule(m)
	}
	metricOutcomes.WithLabelValues("received").Add(float64(len(msgs)))
	return ids, nil
}

func recipientDomain(rcpt string) (string, error) {
	i := strings.LastIndexByte(rcpt, '@')
	if i < 0 || i == len(rcpt)-1 {
		return "", fmt.Errorf("missing domain")
	}
	d, err := dns.ParseDomain(rcpt[i+1:])
	if err != nil {
		return "", err
	}
	return d.ASCII, nil
}
