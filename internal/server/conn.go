package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"kestrel/internal/db"
	"kestrel/internal/delivery/parser"
	"kestrel/internal/models"
	"kestrel/internal/msgops"
	"kestrel/internal/uidset"
)

type conn struct {
	srv *Server
	nc  net.Conn
	r   *bufio.Reader

	wmu    sync.Mutex
	closed atomic.Bool

	sess *models.SessionState
	// lastEntryID is the newest notifier backlog id already reported to
	// this session, per the selected mailbox.
	lastEntryID int64
}

func newConn(srv *Server, nc net.Conn) *conn {
	return &conn{srv: srv, nc: nc, r: bufio.NewReader(nc)}
}

func (c *conn) close() {
	if c.closed.CompareAndSwap(false, true) {
		_ = c.nc.Close()
	}
}

func (c *conn) writeLine(line string) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := io.WriteString(c.nc, line+"\r\n"); err != nil {
		c.close()
	}
}

func (c *conn) serve(ctx context.Context) {
	c.writeLine("* OK kestrel ready")

	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		tag, rest, _ := strings.Cut(line, " ")
		verb, args := splitVerb(rest)

		if done := c.dispatch(ctx, tag, verb, args); done {
			return
		}
	}
}

func splitVerb(rest string) (string, []string) {
	fields := tokenize(rest)
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToUpper(fields[0]), fields[1:]
}

// tokenize splits on whitespace, honoring double-quoted strings and
// keeping parenthesized lists as one token.
func tokenize(s string) []string {
	var tokens []string
	var cur strings.Builder
	inQuote := false
	depth := 0

	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}

	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '"':
			inQuote = !inQuote
		case ch == '(' && !inQuote:
			depth++
			cur.WriteByte(ch)
		case ch == ')' && !inQuote:
			depth--
			cur.WriteByte(ch)
		case ch == ' ' && !inQuote && depth == 0:
			flush()
		default:
			cur.WriteByte(ch)
		}
	}
	flush()
	return tokens
}

// parseList splits a parenthesized list token into its items.
func parseList(tok string) []string {
	tok = strings.TrimPrefix(tok, "(")
	tok = strings.TrimSuffix(tok, ")")
	return strings.Fields(tok)
}

// dispatch runs one command. Returns true when the connection should end.
func (c *conn) dispatch(ctx context.Context, tag, verb string, args []string) bool {
	switch verb {
	case "LOGIN":
		c.cmdLogin(ctx, tag, args)
	case "LOGOUT":
		c.writeLine(tag + " OK bye")
		return true
	case "NOOP":
		c.writeLine(tag + " OK done")

	case "SELECT", "EXAMINE":
		c.withAuth(tag, func() { c.cmdSelect(ctx, tag, verb, args) })
	case "CREATE":
		c.withAuth(tag, func() { c.cmdCreate(ctx, tag, args) })
	case "DELETE":
		c.withAuth(tag, func() { c.cmdDelete(ctx, tag, args) })
	case "RENAME":
		c.withAuth(tag, func() { c.cmdRename(ctx, tag, args) })
	case "STATUS":
		c.withAuth(tag, func() { c.cmdStatus(ctx, tag, args) })
	case "SUBSCRIBE":
		c.withAuth(tag, func() { c.cmdSubscribe(ctx, tag, args, true) })
	case "UNSUBSCRIBE":
		c.withAuth(tag, func() { c.cmdSubscribe(ctx, tag, args, false) })
	case "APPEND":
		c.withAuth(tag, func() { c.cmdAppend(ctx, tag, args) })

	case "STORE":
		c.withSelected(tag, func() { c.cmdStore(ctx, tag, args) })
	case "COPY":
		c.withSelected(tag, func() { c.cmdCopy(ctx, tag, args) })
	case "EXPUNGE":
		c.withSelected(tag, func() { c.cmdExpunge(ctx, tag, args) })
	case "SEARCH":
		c.withSelected(tag, func() { c.cmdSearch(ctx, tag, args) })
	case "IDLE":
		c.withSelected(tag, func() { c.cmdIdle(ctx, tag) })

	default:
		c.writeLine(tag + " BAD unknown command")
	}
	return false
}

func (c *conn) withAuth(tag string, fn func()) {
	if c.sess == nil {
		c.writeLine(tag + " NO not authenticated")
		return
	}
	fn()
}

func (c *conn) withSelected(tag string, fn func()) {
	if c.sess == nil || c.sess.SelectedMailboxID == 0 {
		c.writeLine(tag + " NO no mailbox selected")
		return
	}
	fn()
}

// respondResult writes the tagged response for a non-OK protocol atom.
func (c *conn) respondResult(tag string, res msgops.Result) {
	c.writeLine(fmt.Sprintf("%s NO [%s] operation refused", tag, res))
}

func (c *conn) fail(tag string, err error) {
	log.Printf("command failed: %v", err)
	c.writeLine(tag + " NO transient failure, try again")
}

func (c *conn) cmdLogin(ctx context.Context, tag string, args []string) {
	if len(args) != 1 {
		c.writeLine(tag + " BAD usage: LOGIN <token>")
		return
	}
	sess, err := c.srv.resolver.Resolve(ctx, args[0])
	if err != nil {
		c.writeLine(tag + " NO invalid credentials")
		return
	}
	sess.Alive = func() bool { return !c.closed.Load() }
	sess.Respond = c.writeLine
	c.sess = sess
	c.writeLine(tag + " OK authenticated as " + sess.Username)
}

func (c *conn) cmdSelect(ctx context.Context, tag, verb string, args []string) {
	if len(args) != 1 {
		c.writeLine(tag + " BAD usage: " + verb + " <mailbox>")
		return
	}
	res, err := c.srv.engine.Open(ctx, c.sess, args[0], verb == "EXAMINE")
	if err != nil {
		c.fail(tag, err)
		return
	}
	if res.Result != msgops.ResultOK {
		c.respondResult(tag, res.Result)
		return
	}

	c.lastEntryID = 0
	if entries, err := c.srv.notifier.PendingSince(ctx, c.sess.UserID, res.Mailbox.ID, 0); err == nil && len(entries) > 0 {
		c.lastEntryID = entries[len(entries)-1].ID
	}

	c.writeLine(fmt.Sprintf("* %d EXISTS", len(res.UIDs)))
	c.writeLine(fmt.Sprintf("* OK [UIDVALIDITY %d]", res.Mailbox.UIDValidity))
	c.writeLine(fmt.Sprintf("* OK [UIDNEXT %d]", res.Mailbox.UIDNext))
	c.writeLine(fmt.Sprintf("* OK [HIGHESTMODSEQ %d]", res.Mailbox.ModifyIndex))
	c.writeLine(tag + " OK selected " + res.Mailbox.Path)
}

func (c *conn) cmdCreate(ctx context.Context, tag string, args []string) {
	if len(args) != 1 {
		c.writeLine(tag + " BAD usage: CREATE <mailbox>")
		return
	}
	res, err := c.srv.engine.CreateMailbox(ctx, c.sess, args[0], c.srv.DefaultRetentionMS)
	if err != nil {
		c.fail(tag, err)
		return
	}
	if res != msgops.ResultOK {
		c.respondResult(tag, res)
		return
	}
	c.writeLine(tag + " OK created")
}

func (c *conn) cmdDelete(ctx context.Context, tag string, args []string) {
	if len(args) != 1 {
		c.writeLine(tag + " BAD usage: DELETE <mailbox>")
		return
	}
	res, err := c.srv.engine.DeleteMailbox(ctx, c.sess, args[0])
	if err != nil {
		c.fail(tag, err)
		return
	}
	if res != msgops.ResultOK {
		c.respondResult(tag, res)
		return
	}
	c.writeLine(tag + " OK deleted")
}

func (c *conn) cmdRename(ctx context.Context, tag string, args []string) {
	if len(args) != 2 {
		c.writeLine(tag + " BAD usage: RENAME <old> <new>")
		return
	}
	res, err := c.srv.engine.RenameMailbox(ctx, c.sess, args[0], args[1])
	if err != nil {
		c.fail(tag, err)
		return
	}
	if res != msgops.ResultOK {
		c.respondResult(tag, res)
		return
	}
	c.writeLine(tag + " OK renamed")
}

func (c *conn) cmdStatus(ctx context.Context, tag string, args []string) {
	if len(args) != 1 {
		c.writeLine(tag + " BAD usage: STATUS <mailbox>")
		return
	}
	res, err := c.srv.engine.Status(ctx, c.sess, args[0])
	if err != nil {
		c.fail(tag, err)
		return
	}
	if res.Result != msgops.ResultOK {
		c.respondResult(tag, res.Result)
		return
	}
	st := res.Status
	c.writeLine(fmt.Sprintf(
		"* STATUS %s (MESSAGES %d UIDNEXT %d UIDVALIDITY %d UNSEEN %d HIGHESTMODSEQ %d)",
		args[0], st.Messages, st.UIDNext, st.UIDValidity, st.Unseen, st.HighestModseq))
	c.writeLine(tag + " OK status")
}

func (c *conn) cmdSubscribe(ctx context.Context, tag string, args []string, subscribed bool) {
	if len(args) != 1 {
		c.writeLine(tag + " BAD usage: SUBSCRIBE <mailbox>")
		return
	}
	res, err := c.srv.engine.Subscribe(ctx, c.sess, args[0], subscribed)
	if err != nil {
		c.fail(tag, err)
		return
	}
	if res != msgops.ResultOK {
		c.respondResult(tag, res)
		return
	}
	c.writeLine(tag + " OK done")
}

// cmdAppend handles `APPEND <mailbox> [(<flags>)] {<size>}`: the message
// itself follows as a literal of exactly size bytes.
func (c *conn) cmdAppend(ctx context.Context, tag string, args []string) {
	if len(args) < 2 {
		c.writeLine(tag + " BAD usage: APPEND <mailbox> [(<flags>)] {<size>}")
		return
	}
	path := args[0]
	args = args[1:]

	var flags []string
	if strings.HasPrefix(args[0], "(") {
		flags = parseList(args[0])
		args = args[1:]
	}
	if len(args) != 1 || !strings.HasPrefix(args[0], "{") || !strings.HasSuffix(args[0], "}") {
		c.writeLine(tag + " BAD missing literal size")
		return
	}
	size, err := strconv.Atoi(strings.Trim(args[0], "{}"))
	if err != nil || size < 0 {
		c.writeLine(tag + " BAD bad literal size")
		return
	}

	c.writeLine("+ ready")
	raw := make([]byte, size)
	if _, err := io.ReadFull(c.r, raw); err != nil {
		c.close()
		return
	}

	parsed, err := parser.Parse(string(raw))
	if err != nil {
		c.writeLine(tag + " BAD unparseable message")
		return
	}

	am := &msgops.AppendMessage{
		Flags:      flags,
		HeaderDate: parsed.Date,
		BodyText:   parsed.Body,
		Size:       parsed.Size,
	}
	for _, h := range parsed.Headers {
		am.Headers = append(am.Headers, db.Header{Key: h.Key, Value: h.Value})
	}

	res, err := c.srv.engine.Append(ctx, c.sess, path, am)
	if err != nil {
		c.fail(tag, err)
		return
	}
	if res.Result != msgops.ResultOK {
		c.respondResult(tag, res.Result)
		return
	}
	c.writeLine(fmt.Sprintf("%s OK [APPENDUID %d] delivered", tag, res.UID))
}

// cmdStore handles `STORE <uid-set> <FLAGS|+FLAGS|-FLAGS>[.SILENT]
// (<flags>) [UNCHANGEDSINCE <modseq>]`.
func (c *conn) cmdStore(ctx context.Context, tag string, args []string) {
	if len(args) < 3 {
		c.writeLine(tag + " BAD usage: STORE <uid-set> <item> (<flags>)")
		return
	}
	uids, err := uidset.Parse(args[0])
	if err != nil {
		c.writeLine(tag + " BAD " + err.Error())
		return
	}

	item := strings.ToUpper(args[1])
	silent := strings.HasSuffix(item, ".SILENT")
	item = strings.TrimSuffix(item, ".SILENT")

	var action msgops.StoreAction
	switch item {
	case "FLAGS":
		action = msgops.ActionSet
	case "+FLAGS":
		action = msgops.ActionAdd
	case "-FLAGS":
		action = msgops.ActionRemove
	default:
		c.writeLine(tag + " BAD unknown store item " + item)
		return
	}

	flags := parseList(args[2])

	var unchangedSince int64
	if len(args) >= 5 && strings.EqualFold(args[3], "UNCHANGEDSINCE") {
		unchangedSince, err = strconv.ParseInt(args[4], 10, 64)
		if err != nil {
			c.writeLine(tag + " BAD bad modseq")
			return
		}
	}

	res, err := c.srv.engine.StoreFlags(ctx, c.sess, uids, action, flags, unchangedSince, silent)
	if err != nil {
		c.fail(tag, err)
		return
	}
	if res.Result != msgops.ResultOK {
		c.respondResult(tag, res.Result)
		return
	}
	c.writeLine(fmt.Sprintf("%s OK %d updated", tag, res.Updated))
}

func (c *conn) cmdCopy(ctx context.Context, tag string, args []string) {
	if len(args) != 2 {
		c.writeLine(tag + " BAD usage: COPY <uid-set> <mailbox>")
		return
	}
	uids, err := uidset.Parse(args[0])
	if err != nil {
		c.writeLine(tag + " BAD " + err.Error())
		return
	}

	res, err := c.srv.engine.Copy(ctx, c.sess, args[1], uids, nil)
	if err != nil {
		c.fail(tag, err)
		return
	}
	if res.Result != msgops.ResultOK {
		c.respondResult(tag, res.Result)
		return
	}
	c.writeLine(fmt.Sprintf("%s OK [COPYUID %s %s] %d copied",
		tag, formatUIDs(res.SourceUIDs), formatUIDs(res.DestUIDs), len(res.DestUIDs)))
}

func (c *conn) cmdExpunge(ctx context.Context, tag string, args []string) {
	var uids uidset.Set
	if len(args) == 1 {
		var err error
		uids, err = uidset.Parse(args[0])
		if err != nil {
			c.writeLine(tag + " BAD " + err.Error())
			return
		}
	}

	res, err := c.srv.engine.Expunge(ctx, c.sess, uids, false)
	if err != nil {
		c.fail(tag, err)
		return
	}
	if res.Result != msgops.ResultOK {
		c.respondResult(tag, res.Result)
		return
	}
	c.writeLine(fmt.Sprintf("%s OK %d expunged", tag, len(res.UIDs)))
}

func (c *conn) cmdSearch(ctx context.Context, tag string, args []string) {
	terms, err := parseCriteria(args)
	if err != nil {
		c.writeLine(tag + " BAD " + err.Error())
		return
	}
	uids, err := c.srv.engine.Search(ctx, c.sess, terms)
	if err != nil {
		c.fail(tag, err)
		return
	}

	var b strings.Builder
	b.WriteString("* SEARCH")
	for _, uid := range uids {
		fmt.Fprintf(&b, " %d", uid)
	}
	c.writeLine(b.String())
	c.writeLine(tag + " OK search done")
}

// cmdIdle streams the selected mailbox's change events until the client
// sends DONE.
func (c *conn) cmdIdle(ctx context.Context, tag string) {
	sub := c.srv.notifier.Subscribe(c.sess.UserID, c.sess.SelectedMailboxID)
	defer sub.Close()

	c.writeLine("+ idling")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			line, err := c.r.ReadString('\n')
			if err != nil {
				return
			}
			if strings.EqualFold(strings.TrimSpace(line), "DONE") {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			c.writeLine(tag + " OK idle finished")
			return
		case <-sub.C:
			entries, err := c.srv.notifier.PendingSince(ctx,
				c.sess.UserID, c.sess.SelectedMailboxID, c.lastEntryID)
			if err != nil {
				log.Printf("idle: failed to read backlog: %v", err)
				continue
			}
			for _, e := range entries {
				c.writeLine(fmt.Sprintf("* %s %d", e.Command, e.UID))
				c.lastEntryID = e.ID
			}
		}
	}
}

func formatUIDs(uids []int64) string {
	parts := make([]string, len(uids))
	for i, uid := range uids {
		parts[i] = strconv.FormatInt(uid, 10)
	}
	return strings.Join(parts, ",")
}
