// Command drover is an outbound mail delivery scheduler: it accepts
// messages into a spool, schedules them per destination with adaptive
// retries, and drives rate-limited SMTP sessions from configured egress
// sources.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/drover-mta/drover/config"
	droverhttp "github.com/drover-mta/drover/http"
	"github.com/drover-mta/drover/mlog"
	"github.com/drover-mta/drover/queue"
	"github.com/drover-mta/drover/spool"
)

var configPath string

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"serve", cmdServe},
	{"config test", cmdConfigTest},
	{"config describe", cmdConfigDescribe},
	{"submit", cmdSubmit},
	{"queue list", cmdQueueList},
	{"queue kick", cmdQueueKick},
	{"queue hold", cmdQueueHold},
	{"queue unhold", cmdQueueUnhold},
	{"queue suspend", cmdQueueSuspend},
	{"queue fail", cmdQueueFail},
	{"queue drop", cmdQueueDrop},
	{"queue suppress list", cmdSuppressList},
	{"queue suppress add", cmdSuppressAdd},
	{"queue suppress remove", cmdSuppressRemove},
	{"ready depths", cmdReadyDepths},
}

type cmd struct {
	words []string
	fn    func(c *cmd)

	flag     *flag.FlagSet
	flagArgs []string

	params string
	help   string
	args   []string

	log mlog.Log
}

// Parse parses the command's flags and returns the remaining arguments.
func (c *cmd) Parse() []string {
	if err := c.flag.Parse(c.flagArgs); err != nil {
		c.Usage()
	}
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) Usage() {
	fmt.Fprintln(os.Stderr, "usage: drover "+strings.Join(c.words, " ")+" "+c.params)
	if c.help != "" {
		fmt.Fprintln(os.Stderr, c.help)
	}
	c.flag.PrintDefaults()
	os.Exit(2)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: drover [-config file] command ...")
	fmt.Fprintln(os.Stderr, "commands:")
	for _, c := range commands {
		fmt.Fprintln(os.Stderr, "\tdrover "+c.cmd)
	}
	os.Exit(2)
}

func main() {
	log.SetFlags(0)

	flag.StringVar(&configPath, "config", envString("DROVERCONF", filepath.FromSlash("config/drover.conf")), "configuration file, defaults to $DROVERCONF with a fallback to config/drover.conf")
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

next:
	for _, c := range commands {
		words := strings.Split(c.cmd, " ")
		for i, w := range words {
			if i >= len(args) || w != args[i] {
				continue next
			}
		}
		xc := &cmd{
			words:    words,
			fn:       c.fn,
			flag:     flag.NewFlagSet("drover "+c.cmd, flag.ExitOnError),
			flagArgs: args[len(words):],
			log:      mlog.New(strings.Join(words, ""), nil),
		}
		xc.flag.Usage = xc.Usage
		c.fn(xc)
		return
	}
	usage()
}

func envString(k, def string) string {
	if s := os.Getenv(k); s != "" {
		return s
	}
	return def
}

func xcheckf(err error, format string, args ...any) {
	if err != nil {
		log.Fatalf("%s: %s", fmt.Sprintf(format, args...), err)
	}
}

func xloadConfig() config.Static {
	static, err := config.Load(configPath)
	xcheckf(err, "loading config file %s", configPath)
	return static
}

func cmdConfigTest(c *cmd) {
	c.help = "Parse and validate the configuration file."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	static := xloadConfig()
	fmt.Printf("config OK, data directory %s\n", static.DataDir)
}

func cmdConfigDescribe(c *cmd) {
	c.help = "Print an annotated example configuration file."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	example := config.Static{
		DataDir:  "data",
		Hostname: "drover1.example.com",
	}
	err := config.Describe(os.Stdout, example)
	xcheckf(err, "describing config")
}

// admin talks to the running daemon's admin listener.
type admin struct {
	base string
}

func xadmin() admin {
	static := xloadConfig()
	if static.AdminAddress == "" {
		log.Fatalf("no AdminAddress configured in %s", configPath)
	}
	return admin{base: "http://" + static.AdminAddress}
}

func (a admin) call(method, path string, req, resp any) {
	var body bytes.Buffer
	if req != nil {
		err := json.NewEncoder(&body).Encode(req)
		xcheckf(err, "encoding request")
	}
	hreq, err := http.NewRequest(method, a.base+path, &body)
	xcheckf(err, "preparing request")
	hreq.Header.Set("Content-Type", "application/json")
	hresp, err := http.DefaultClient.Do(hreq)
	xcheckf(err, "requesting %s", path)
	defer hresp.Body.Close()
	if hresp.StatusCode != http.StatusOK {
		var msg bytes.Buffer
		_, _ = msg.ReadFrom(hresp.Body)
		log.Fatalf("%s: %s: %s", path, hresp.Status, strings.TrimSpace(msg.String()))
	}
	if resp != nil {
		err = json.NewDecoder(hresp.Body).Decode(resp)
		xcheckf(err, "decoding response")
	}
}

// filterFlags registers the message filter flags shared by the queue
// commands.
func filterFlags(c *cmd, f *queue.Filter) {
	c.flag.StringVar(&f.Queue, "queue", "", "exact scheduled queue name, campaign:tenant@domain")
	c.flag.StringVar(&f.Campaign, "campaign", "", "campaign of the messages")
	c.flag.StringVar(&f.Tenant, "tenant", "", "tenant of the messages")
	c.flag.StringVar(&f.Domain, "domain", "", "recipient domain of the messages")
	c.flag.StringVar(&f.From, "from", "", "substring of the envelope sender")
	c.flag.StringVar(&f.To, "to", "", "substring of the recipient")
	c.flag.StringVar(&f.Submitted, "submitted", "", `filter on submission time, e.g. "<1h" for the last hour`)
	c.flag.StringVar(&f.NextAttempt, "nextattempt", "", `filter on next delivery attempt, e.g. ">6h"`)
	c.flag.Func("ids", "comma-separated message ids", func(s string) error {
		for _, p := range strings.Split(s, ",") {
			var id int64
			if _, err := fmt.Sscanf(p, "%d", &id); err != nil {
				return fmt.Errorf("parsing id %q: %v", p, err)
			}
			f.IDs = append(f.IDs, id)
		}
		return nil
	})
}

func cmdQueueList(c *cmd) {
	c.help = "List matching messages in the delivery queue."
	var f queue.Filter
	filterFlags(c, &f)
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	var msgs []spool.Msg
	xadmin().call("POST", "/api/queue/list", f, &msgs)
	fmt.Printf("%5s %8s %-25s %-30s %s\n", "id", "attempts", "nextattempt", "queue", "recipient")
	for _, m := range msgs {
		next := time.Until(m.NextAttempt).Round(time.Second)
		fmt.Printf("%5d %8d %-25s %-30s %s\n", m.ID, m.Attempts, next.String(), m.QueueName, m.Recipient)
	}
}

func affectedCmd(c *cmd, help, path string) {
	c.help = help
	var f queue.Filter
	filterFlags(c, &f)
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	var resp droverhttp.AffectedResponse
	xadmin().call("POST", path, f, &resp)
	fmt.Printf("%d affected\n", resp.Affected)
}

func cmdQueueKick(c *cmd) {
	affectedCmd(c, "Make matching messages due for delivery now.", "/api/queue/kick")
}

func cmdQueueHold(c *cmd) {
	affectedCmd(c, "Put matching messages on hold, keeping them out of delivery.", "/api/queue/hold")
}

func cmdQueueUnhold(c *cmd) {
	affectedCmd(c, "Release matching messages from hold and schedule them.", "/api/queue/unhold")
}

func cmdQueueFail(c *cmd) {
	affectedCmd(c, "Fail matching messages permanently, with a bounce record.", "/api/queue/fail")
}

func cmdQueueDrop(c *cmd) {
	affectedCmd(c, "Remove matching messages without a bounce record.", "/api/queue/drop")
}

func cmdQueueSuspend(c *cmd) {
	c.params = "duration"
	c.help = "Delay matching messages, or with -site/-source a ready queue, for the given duration."
	var req droverhttp.SuspendRequest
	filterFlags(c, &req.Filter)
	c.flag.StringVar(&req.Site, "site", "", "destination site to suspend instead of messages")
	c.flag.StringVar(&req.Source, "source", "", "egress source to suspend instead of messages")
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	d, err := time.ParseDuration(args[0])
	xcheckf(err, "parsing duration")
	req.Until = time.Now().Add(d)
	xadmin().call("POST", "/api/queue/suspend", req, nil)
	fmt.Printf("suspended until %s\n", req.Until.Round(time.Second))
}

func cmdSuppressList(c *cmd) {
	c.help = "List suppressed recipient addresses."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	var sups []spool.Suppression
	xadmin().call("GET", "/api/suppress", nil, &sups)
	for _, sup := range sups {
		fmt.Printf("%-40s %s\n", sup.OriginalAddress, sup.Reason)
	}
}

func cmdSuppressAdd(c *cmd) {
	c.params = "address [reason]"
	c.help = "Add an address to the suppression list."
	args := c.Parse()
	if len(args) != 1 && len(args) != 2 {
		c.Usage()
	}
	reason := ""
	if len(args) == 2 {
		reason = args[1]
	}
	path := "/api/suppress?" + (url.Values{"address": {args[0]}, "reason": {reason}}).Encode()
	xadmin().call("POST", path, nil, nil)
}

func cmdSuppressRemove(c *cmd) {
	c.params = "address"
	c.help = "Remove an address from the suppression list."
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	path := "/api/suppress?" + (url.Values{"address": {args[0]}}).Encode()
	xadmin().call("DELETE", path, nil, nil)
}

func cmdReadyDepths(c *cmd) {
	c.help = "Show the depth of each active ready queue."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	var depths map[string]int
	xadmin().call("GET", "/api/ready/depths", nil, &depths)
	names := make([]string, 0, len(depths))
	for name := range depths {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%5d %s\n", depths[name], name)
	}
}

func cmdSubmit(c *cmd) {
	c.params = "sender recipient ..."
	c.help = "Submit a message read from stdin for delivery to the recipients."
	var campaign, tenant, routingDomain string
	c.flag.StringVar(&campaign, "campaign", "", "campaign the message belongs to")
	c.flag.StringVar(&tenant, "tenant", "", "tenant the message belongs to")
	c.flag.StringVar(&routingDomain, "routingdomain", "", "override the recipient domain for MX resolution")
	args := c.Parse()
	if len(args) < 2 {
		c.Usage()
	}
	msg, err := io.ReadAll(os.Stdin)
	xcheckf(err, "reading message from stdin")
	req := droverhttp.SubmitRequest{
		Submission: queue.Submission{
			Campaign:      campaign,
			Tenant:        tenant,
			Sender:        args[0],
			Recipients:    args[1:],
			RoutingDomain: routingDomain,
		},
		Message: msg,
	}
	var resp droverhttp.SubmitResponse
	xadmin().call("POST", "/api/submit", req, &resp)
	fmt.Printf("submitted, ids %v\n", resp.IDs)
}
