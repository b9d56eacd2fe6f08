package wasmdebug

import (
	"debug/dwarf"
	"fmt"
	"sort"
	"sync"
)

// DWARFLines resolves offsets in the code section of a module to source lines.
// The line tables are read once, on first use. Safe for concurrent use.
type DWARFLines struct {
	d    *dwarf.Data
	once sync.Once
	rows []lineRow
}

type lineRow struct {
	address      uint64
	endSequence  bool
	file         string
	line, column int
}

// NewDWARFLines returns the line index of d, or nil when d is nil.
func NewDWARFLines(d *dwarf.Data) *DWARFLines {
	if d == nil {
		return nil
	}
	return &DWARFLines{d: d}
}

// Line returns "0xaddr: file:line:column" for the row covering
// instructionOffset, or the empty string when there is none. A nil receiver
// has no rows.
func (l *DWARFLines) Line(instructionOffset uint64) string {
	if l == nil {
		return ""
	}
	l.once.Do(l.load)

	rows := l.rows
	i := sort.Search(len(rows), func(i int) bool { return rows[i].address > instructionOffset })
	if i == 0 {
		return ""
	}
	r := &rows[i-1]
	if r.endSequence {
		return ""
	}
	return fmt.Sprintf("%#x: %s:%d:%d", r.address, r.file, r.line, r.column)
}

// Len returns the number of line rows, reading the tables if needed.
func (l *DWARFLines) Len() int {
	if l == nil {
		return 0
	}
	l.once.Do(l.load)
	return len(l.rows)
}

func (l *DWARFLines) load() {
	var rows []lineRow
	r := l.d.Reader()
	for {
		cu, err := r.Next()
		if err != nil || cu == nil {
			break
		}
		r.SkipChildren()
		if cu.Tag != dwarf.TagCompileUnit {
			continue
		}
		lr, err := l.d.LineReader(cu)
		if err != nil || lr == nil {
			continue
		}
		var le dwarf.LineEntry
		for lr.Next(&le) == nil {
			row := lineRow{address: le.Address, endSequence: le.EndSequence, line: le.Line, column: le.Column}
			if le.File != nil {
				row.file = le.File.Name
			}
			rows = append(rows, row)
		}
	}

	// A sequence may end where the next one starts: the start wins.
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].address != rows[j].address {
			return rows[i].address < rows[j].address
		}
		return rows[i].endSequence && !rows[j].endSequence
	})
	l.rows = rows
}
