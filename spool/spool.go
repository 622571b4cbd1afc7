// Package spool persists queued messages: envelope and scheduling metadata
// in a bstore database, message data in per-message files under the data
// directory. Message bodies stay resident in memory after submission for a
// fast first delivery attempt, and are dropped under memory pressure since
// the file always holds a copy.
package spool

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mjl-/bstore"

	"github.com/drover-mta/drover/mlog"
	"github.com/drover-mta/drover/moxio"
)

var DBTypes = []any{Msg{}, Suppression{}} // Types stored in DB.
var DB *bstore.DB                         // Exported for making backups.

var dataDir string

// Resident message bodies by ID, attached again on Get so rescheduled
// messages keep their fast path. Dropped under memory pressure, the message
// file always holds a copy.
var resident sync.Map

// Msg is a queued message.
//
// Most fields are set at submission and never change. Attempts, NextAttempt,
// LastAttempt and LastError are updated after each delivery attempt.
type Msg struct {
	ID int64

	// Shared by messages created from one multi-recipient submission. Those
	// carry identical content and can be batched into a single transaction.
	// Zero for single-recipient submissions.
	BaseID int64 `bstore:"index"`

	// Scheduled queue this message belongs to,
	// "campaign:tenant@domain[!routing_domain]".
	QueueName string `bstore:"nonzero,index"`

	Campaign      string
	Tenant        string
	Domain        string `bstore:"nonzero"` // Recipient domain.
	RoutingDomain string // Overrides Domain for MX resolution when set.

	Sender    string // Envelope sender, empty for bounces.
	Recipient string `bstore:"nonzero,index"`
	Meta      map[string]string

	Queued      time.Time `bstore:"default now"`
	Hold        bool      // If set, delivery won't be attempted.
	Attempts    int       // Number of delivery attempts that reached a server and failed.
	NextAttempt time.Time // For scheduling.
	LastAttempt *time.Time
	LastError   string

	Size int64

	// Resident copy of the message data, nil once shrunk. The message file is
	// authoritative, this is an optimization.
	Body []byte `bstore:"-" json:"-"`
}

// DestinationDomain is the domain used for MX resolution: the routing domain
// when set, the recipient domain otherwise.
func (m Msg) DestinationDomain() string {
	if m.RoutingDomain != "" {
		return m.RoutingDomain
	}
	return m.Domain
}

// 64 characters, must be power of 2 for MessagePath.
const msgDirChars = "abcdefghijklmnopqrstuvwxyz0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ-_"

// MessagePath returns the path of the on-disk message file.
func (m Msg) MessagePath() string {
	v := m.ID >> 13 // 8k files per directory.
	dir := ""
	for {
		dir += string(msgDirChars[int(v)&(len(msgDirChars)-1)])
		v >>= 6
		if v == 0 {
			break
		}
	}
	return filepath.Join(dataDir, "spool", dir, fmt.Sprintf("%d", m.ID))
}

// Init opens the spool database under dir.
func Init(dir string) error {
	dataDir = dir
	dbpath := filepath.Join(dir, "spool", "index.db")
	os.MkdirAll(filepath.Dir(dbpath), 0770)
	isNew := false
	if _, err := os.Stat(dbpath); err != nil && os.IsNotExist(err) {
		isNew = true
	}

	var err error
	DB, err = bstore.Open(context.Background(), dbpath, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, DBTypes...)
	if err != nil {
		if isNew {
			os.Remove(dbpath)
		}
		return fmt.Errorf("open spool database: %s", err)
	}
	return nil
}

// Shutdown closes the spool database. For tests.
func Shutdown() {
	ReleaseBodies()
	if DB == nil {
		return
	}
	err := DB.Close()
	if err != nil {
		mlog.New("spool", nil).Errorx("closing spool db", err)
	}
	DB = nil
}

// Add persists a new message: the record in the database and the body in the
// message file, synced to disk before Add returns. The body stays resident
// in m.Body.
func Add(ctx context.Context, log mlog.Log, m *Msg, body []byte) error {
	if m.ID != 0 {
		return fmt.Errorf("message already has id %d", m.ID)
	}
	m.Size = int64(len(body))
	m.Body = body

	err := DB.Write(ctx, func(tx *bstore.Tx) error {
		if err := tx.Insert(m); err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}

		p := m.MessagePath()
		if err := os.MkdirAll(filepath.Dir(p), 0770); err != nil {
			return fmt.Errorf("creating message dir: %w", err)
		}
		f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0660)
		if err != nil {
			return fmt.Errorf("creating message file: %w", err)
		}
		defer func() {
			if f != nil {
				err := f.Close()
				log.Check(err, "closing message file after error")
				err = os.Remove(p)
				log.Check(err, "removing message file after error")
			}
		}()
		if _, err := f.Write(body); err != nil {
			return fmt.Errorf("writing message file: %w", err)
		}
		if err := f.Sync(); err != nil {
			return fmt.Errorf("sync message file: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("closing message file: %w", err)
		}
		f = nil
		if err := moxio.SyncDir(filepath.Dir(p)); err != nil {
			return fmt.Errorf("sync message dir: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	resident.Store(m.ID, body)
	return nil
}

// Get returns the message with the given ID, with the resident body
// attached when it has not been shed.
func Get(ctx context.Context, id int64) (Msg, error) {
	m := Msg{ID: id}
	if err := DB.Get(ctx, &m); err != nil {
		return Msg{}, err
	}
	if body, ok := resident.Load(id); ok {
		m.Body = body.([]byte)
	}
	return m, nil
}

// Update writes the scheduling fields of m back to the database.
func Update(ctx context.Context, m *Msg) error {
	return DB.Update(ctx, m)
}

// Remove deletes the message record and its file.
func Remove(ctx context.Context, log mlog.Log, m Msg) error {
	if err := DB.Delete(ctx, &Msg{ID: m.ID}); err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}
	resident.Delete(m.ID)
	err := os.Remove(m.MessagePath())
	log.Check(err, "removing message file")
	return nil
}

// Shrink drops the resident body. The message file keeps the data.
func (m *Msg) Shrink() {
	m.Body = nil
	resident.Delete(m.ID)
}

// ReleaseBodies drops all resident bodies, returning how many were shed.
// Called under memory pressure.
func ReleaseBodies() int {
	n := 0
	resident.Range(func(k, v any) bool {
		resident.Delete(k)
		n++
		return true
	})
	return n
}

// LoadBody returns the message data, reading the file when the resident copy
// was shrunk away.
func (m *Msg) LoadBody() ([]byte, error) {
	if m.Body != nil {
		return m.Body, nil
	}
	f, err := os.Open(m.MessagePath())
	if err != nil {
		return nil, fmt.Errorf("open message file: %w", err)
	}
	defer f.Close()
	buf, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading message file: %w", err)
	}
	if int64(len(buf)) != m.Size {
		return nil, fmt.Errorf("message file is %d bytes, expected %d", len(buf), m.Size)
	}
	return buf, nil
}

// QueueNames returns the distinct queue names with messages in the spool,
// for rebuilding schedules at startup.
func QueueNames(ctx context.Context) ([]string, error) {
	names := map[string]bool{}
	err := bstore.QueryDB[Msg](ctx, DB).ForEach(func(m Msg) error {
		names[m.QueueName] = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	l := make([]string, 0, len(names))
	for name := range names {
		l = append(l, name)
	}
	return l, nil
}

// MsgsByQueue returns all messages of a queue, for rebuilding its schedule.
// Bodies are not resident in the result.
func MsgsByQueue(ctx context.Context, queueName string) ([]Msg, error) {
	return bstore.QueryDB[Msg](ctx, DB).FilterNonzero(Msg{QueueName: queueName}).List()
}
