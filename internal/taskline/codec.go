// Package taskline recognizes and rewrites inline task lines in markdown
// documents. Parsing keeps the exact original text of every token so a
// rewrite can replace one field without disturbing anything else on the
// line.
package taskline

import (
	"regexp"
	"strings"

	"github.com/jra3/obsync/internal/dates"
	"github.com/jra3/obsync/internal/task"
)

type segKind int

const (
	segText segKind = iota
	segDue
	segScheduled
	segStart
	segDoneOn
	segPriority
	segRecurrence
	segTag
	segAnchor
)

// segment is one run of the line's rest text. raw is the exact original
// substring (canonical form when the segment was added by a setter); sep
// is the whitespace that preceded it.
type segment struct {
	kind segKind
	sep  string
	raw  string
	val  string
}

// Line is a parsed task line. Mutations go through the Set* methods and
// Render reproduces the line with unchanged fields byte-identical.
type Line struct {
	indent     string
	bullet     byte
	statusChar byte
	segs       []segment
}

var (
	shapeRe  = regexp.MustCompile(`^([ \t]*)([-*]) \[([ xX])\] (.*)$`)
	anchorRe = regexp.MustCompile(`(\s)(\^[A-Za-z0-9-]+)\s*$`)
	tagRe    = regexp.MustCompile(`#[A-Za-z0-9_/-]+`)
	fenceRe  = regexp.MustCompile("^[ \t]*```")
)

const datePattern = `(\d{4}-\d{2}-\d{2})`

// datedForm pairs a field with its two recognized textual forms.
type datedForm struct {
	kind  segKind
	emoji string
	res   []*regexp.Regexp
}

func newDatedForm(kind segKind, emoji, word string) datedForm {
	return datedForm{
		kind:  kind,
		emoji: emoji,
		res: []*regexp.Regexp{
			regexp.MustCompile(regexp.QuoteMeta(emoji) + `\s*` + datePattern),
			regexp.MustCompile(`\(` + word + `:\s*` + datePattern + `\s*\)`),
		},
	}
}

var datedForms = []datedForm{
	newDatedForm(segDue, "📅", "due"),
	newDatedForm(segScheduled, "⏳", "scheduled"),
	newDatedForm(segStart, "🛫", "start"),
	newDatedForm(segDoneOn, "✅", "done"),
}

var priorityMarks = []struct {
	mark string
	pri  task.Priority
}{
	{"⏫", task.PriorityHighest},
	{"🔼", task.PriorityHigh},
	{"🔽", task.PriorityMedium},
	{"🔺", task.PriorityLow},
}

const recurrenceMark = "🔁"

// Fields is the field view of a parsed line.
type Fields struct {
	Title      string
	Status     task.Status
	Due        string
	Scheduled  string
	Start      string
	DoneOn     string
	Priority   task.Priority
	Recurrence string
	Tags       []string
	Anchor     string
}

// Parse recognizes a single task line. ok is false when the line does not
// have the structural task shape; the caller decides what to do with
// non-task lines.
func Parse(line string) (l *Line, ok bool) {
	m := shapeRe.FindStringSubmatch(line)
	if m == nil {
		return nil, false
	}
	l = &Line{
		indent:     m[1],
		bullet:     m[2][0],
		statusChar: m[3][0],
	}
	l.segs = splitRest(m[4])
	return l, true
}

// match is a classified token found in the rest text.
type match struct {
	start, end int
	kind       segKind
	val        string
}

// splitRest classifies the rest of a task line into segments. Malformed or
// duplicated tokens stay unclassified and fall into text segments, so the
// original bytes always survive a render.
func splitRest(rest string) []segment {
	body := rest
	var anchorSeg *segment
	if am := anchorRe.FindStringSubmatchIndex(rest); am != nil {
		anchorSeg = &segment{
			kind: segAnchor,
			sep:  rest[am[2]:am[3]],
			raw:  rest[am[4]:am[5]],
			val:  rest[am[4]+1 : am[5]],
		}
		body = rest[:am[2]]
	}

	var segs []segment
	pos := 0
	for _, m := range scanTokens(body) {
		if m.start > pos {
			segs = append(segs, textSegment(body[pos:m.start]))
		}
		segs = append(segs, segment{kind: m.kind, raw: body[m.start:m.end], val: m.val})
		pos = m.end
	}
	if pos < len(body) {
		segs = append(segs, textSegment(body[pos:]))
	}

	if anchorSeg != nil {
		segs = append(segs, *anchorSeg)
	}
	return normalize(segs)
}

// normalize moves trailing whitespace out of text runs into the following
// segment's sep and drops text runs that are pure whitespace, so setters
// can splice segments without gluing words together. Rendering the
// normalized form is byte-identical to the original line.
func normalize(segs []segment) []segment {
	var out []segment
	carry := ""
	for _, s := range segs {
		s.sep = carry + s.sep
		carry = ""
		if s.kind == segText {
			trimmed := strings.TrimRight(s.raw, " \t")
			carry = s.raw[len(trimmed):]
			s.raw = trimmed
			if s.raw == "" {
				carry = s.sep + carry
				continue
			}
		}
		out = append(out, s)
	}
	// trailing whitespace is dropped; Render trims it anyway
	return out
}

// scanTokens finds every well-formed, non-duplicate token in body and
// returns the matches ordered by position.
func scanTokens(body string) []match {
	var found []match

	for _, df := range datedForms {
		for _, re := range df.res {
			for _, idx := range re.FindAllStringSubmatchIndex(body, -1) {
				date := body[idx[2]:idx[3]]
				if !dates.Valid(date) {
					continue
				}
				found = append(found, match{start: idx[0], end: idx[1], kind: df.kind, val: date})
			}
		}
	}

	for _, pm := range priorityMarks {
		for _, loc := range indexAll(body, pm.mark) {
			found = append(found, match{start: loc, end: loc + len(pm.mark), kind: segPriority, val: pm.pri.String()})
		}
	}

	for _, idx := range tagRe.FindAllStringIndex(body, -1) {
		// a tag must start the text or follow whitespace, otherwise it is
		// part of a word (e.g. "issue#42")
		if idx[0] > 0 && !isSpace(body[idx[0]-1]) {
			continue
		}
		found = append(found, match{start: idx[0], end: idx[1], kind: segTag, val: body[idx[0]+1 : idx[1]]})
	}

	sortMatches(found)
	found = dropOverlaps(found)

	// recurrence runs from its mark to the next recognized token or the
	// end of the body, so it is resolved after everything else
	if loc := strings.Index(body, recurrenceMark); loc >= 0 {
		end := len(body)
		for _, m := range found {
			if m.start > loc && m.start < end {
				end = m.start
			}
		}
		if text := strings.TrimSpace(body[loc+len(recurrenceMark) : end]); text != "" {
			raw := strings.TrimRight(body[loc:end], " \t")
			found = append(found, match{start: loc, end: loc + len(raw), kind: segRecurrence, val: text})
			sortMatches(found)
			found = dropOverlaps(found)
		}
	}

	return dedupeKinds(found)
}

func indexAll(s, sub string) []int {
	var locs []int
	off := 0
	for {
		i := strings.Index(s[off:], sub)
		if i < 0 {
			return locs
		}
		locs = append(locs, off+i)
		off += i + len(sub)
	}
}

func sortMatches(ms []match) {
	for i := 1; i < len(ms); i++ {
		for j := i; j > 0 && ms[j].start < ms[j-1].start; j-- {
			ms[j], ms[j-1] = ms[j-1], ms[j]
		}
	}
}

func dropOverlaps(ms []match) []match {
	var out []match
	end := -1
	for _, m := range ms {
		if m.start < end {
			continue
		}
		out = append(out, m)
		end = m.end
	}
	return out
}

// dedupeKinds keeps the first occurrence of each single-valued token kind.
// Tags may repeat.
func dedupeKinds(ms []match) []match {
	seen := make(map[segKind]bool)
	var out []match
	for _, m := range ms {
		if m.kind != segTag {
			if seen[m.kind] {
				continue
			}
			seen[m.kind] = true
		}
		out = append(out, m)
	}
	return out
}

func textSegment(s string) segment {
	sep, raw := splitLeadingSpace(s)
	return segment{kind: segText, sep: sep, raw: raw}
}

func splitLeadingSpace(s string) (sep, rest string) {
	i := 0
	for i < len(s) && isSpace(s[i]) {
		i++
	}
	return s[:i], s[i:]
}

func isSpace(b byte) bool { return b == ' ' || b == '\t' }

// Fields extracts the field view of the line.
func (l *Line) Fields() Fields {
	f := Fields{Status: task.StatusTodo, Priority: task.PriorityNone}
	if l.statusChar == 'x' || l.statusChar == 'X' {
		f.Status = task.StatusDone
	}
	var titleParts []string
	for _, s := range l.segs {
		switch s.kind {
		case segText:
			if t := strings.TrimSpace(s.raw); t != "" {
				titleParts = append(titleParts, t)
			}
		case segDue:
			f.Due = s.val
		case segScheduled:
			f.Scheduled = s.val
		case segStart:
			f.Start = s.val
		case segDoneOn:
			f.DoneOn = s.val
		case segPriority:
			f.Priority = priorityFromName(s.val)
		case segRecurrence:
			f.Recurrence = s.val
		case segTag:
			f.Tags = append(f.Tags, s.val)
		case segAnchor:
			f.Anchor = s.val
		}
	}
	f.Title = strings.Join(titleParts, " ")
	return f
}

func priorityFromName(name string) task.Priority {
	for _, pm := range priorityMarks {
		if pm.pri.String() == name {
			return pm.pri
		}
	}
	return task.PriorityNone
}

func priorityMark(p task.Priority) string {
	for _, pm := range priorityMarks {
		if pm.pri == p {
			return pm.mark
		}
	}
	return ""
}

// Render reassembles the line. Unchanged fields keep their original bytes.
func (l *Line) Render() string {
	var b strings.Builder
	b.WriteString(l.indent)
	b.WriteByte(l.bullet)
	b.WriteString(" [")
	b.WriteByte(l.statusChar)
	b.WriteString("] ")
	for _, s := range l.segs {
		b.WriteString(s.sep)
		b.WriteString(s.raw)
	}
	return strings.TrimRight(b.String(), " \t")
}

// SetStatus flips the checkbox. Setting an already-set status is a no-op
// so an unchanged line renders byte-identical.
func (l *Line) SetStatus(st task.Status) {
	switch st {
	case task.StatusDone:
		if l.statusChar == ' ' {
			l.statusChar = 'x'
		}
	default:
		l.statusChar = ' '
	}
}

// SetTitle replaces the line's free text with a new title, keeping every
// token segment in place. The title lands where the first text run was, or
// ahead of all tokens when the line had no text.
func (l *Line) SetTitle(title string) {
	var segs []segment
	placed := false
	for _, s := range l.segs {
		if s.kind == segText {
			if !placed {
				segs = append(segs, segment{kind: segText, sep: s.sep, raw: title})
				placed = true
			}
			continue
		}
		segs = append(segs, s)
	}
	if !placed {
		segs = append([]segment{{kind: segText, raw: title}}, segs...)
	}
	// every non-leading segment needs whitespace ahead of it
	for i := 1; i < len(segs); i++ {
		if segs[i].sep == "" {
			segs[i].sep = " "
		}
	}
	l.segs = segs
}

// SetDue sets, replaces, or (with an empty date) removes the due date.
func (l *Line) SetDue(date string) { l.setDated(segDue, "📅", date) }

// SetScheduled sets, replaces, or removes the scheduled date.
func (l *Line) SetScheduled(date string) { l.setDated(segScheduled, "⏳", date) }

// SetStart sets, replaces, or removes the start date.
func (l *Line) SetStart(date string) { l.setDated(segStart, "🛫", date) }

// SetDoneOn sets, replaces, or removes the completion date.
func (l *Line) SetDoneOn(date string) { l.setDated(segDoneOn, "✅", date) }

func (l *Line) setDated(kind segKind, emoji, date string) {
	if date == "" {
		l.removeKind(kind)
		return
	}
	for i := range l.segs {
		if l.segs[i].kind != kind {
			continue
		}
		if l.segs[i].val == date {
			return
		}
		// keep the original textual form, emoji or parenthesized
		if strings.HasPrefix(l.segs[i].raw, "(") {
			word := strings.SplitN(strings.TrimPrefix(l.segs[i].raw, "("), ":", 2)[0]
			l.segs[i].raw = "(" + word + ": " + date + ")"
		} else {
			l.segs[i].raw = emoji + " " + date
		}
		l.segs[i].val = date
		return
	}
	l.appendToken(segment{kind: kind, sep: " ", raw: emoji + " " + date, val: date})
}

// SetPriority sets or replaces the priority marker; PriorityNone removes it.
func (l *Line) SetPriority(p task.Priority) {
	if p == task.PriorityNone {
		l.removeKind(segPriority)
		return
	}
	mark := priorityMark(p)
	for i := range l.segs {
		if l.segs[i].kind == segPriority {
			l.segs[i].raw = mark
			l.segs[i].val = p.String()
			return
		}
	}
	l.appendToken(segment{kind: segPriority, sep: " ", raw: mark, val: p.String()})
}

// Anchor returns the block anchor id, empty when absent.
func (l *Line) Anchor() string {
	for _, s := range l.segs {
		if s.kind == segAnchor {
			return s.val
		}
	}
	return ""
}

// SetAnchor appends a block anchor. An existing anchor is never
// overwritten; ok reports whether the anchor was added.
func (l *Line) SetAnchor(id string) (ok bool) {
	if l.Anchor() != "" {
		return false
	}
	l.segs = append(l.segs, segment{kind: segAnchor, sep: " ", raw: "^" + id, val: id})
	return true
}

// appendToken inserts a token at the end of the line but ahead of the
// block anchor when one is present.
func (l *Line) appendToken(s segment) {
	for i := range l.segs {
		if l.segs[i].kind == segAnchor {
			segs := append([]segment{}, l.segs[:i]...)
			segs = append(segs, s)
			segs = append(segs, l.segs[i:]...)
			l.segs = segs
			return
		}
	}
	l.segs = append(l.segs, s)
}

func (l *Line) removeKind(kind segKind) {
	var segs []segment
	for _, s := range l.segs {
		if s.kind == kind {
			continue
		}
		segs = append(segs, s)
	}
	l.segs = segs
}

// Compose builds a fresh task line in canonical form.
func Compose(f Fields) string {
	var b strings.Builder
	b.WriteString("- [")
	if f.Status == task.StatusDone {
		b.WriteByte('x')
	} else {
		b.WriteByte(' ')
	}
	b.WriteString("] ")
	b.WriteString(f.Title)
	for _, tag := range f.Tags {
		b.WriteString(" #" + tag)
	}
	if f.Priority != task.PriorityNone {
		b.WriteString(" " + priorityMark(f.Priority))
	}
	if f.Recurrence != "" {
		b.WriteString(" " + recurrenceMark + " " + f.Recurrence)
	}
	if f.Start != "" {
		b.WriteString(" 🛫 " + f.Start)
	}
	if f.Scheduled != "" {
		b.WriteString(" ⏳ " + f.Scheduled)
	}
	if f.Due != "" {
		b.WriteString(" 📅 " + f.Due)
	}
	if f.DoneOn != "" {
		b.WriteString(" ✅ " + f.DoneOn)
	}
	if f.Anchor != "" {
		b.WriteString(" ^" + f.Anchor)
	}
	return b.String()
}

// IsFence reports whether the line opens or closes a fenced code block.
func IsFence(line string) bool {
	return fenceRe.MatchString(line)
}
