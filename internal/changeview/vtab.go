package changeview

import (
	"fmt"

	"github.com/ncruces/go-sqlite3"

	"github.com/tigawanna/sqlite-sync/internal/csync"
)

// Module registers cloudsync_changes as a SQLite virtual table: readable
// with xBestIndex-costed predicate pushdown on db_version/site_id,
// writable only by INSERT (dispatched to Applier.Apply).
type Module struct {
	View    *View
	Applier Applier
}

// Register installs cloudsync_changes on conn as an eponymous module, so
// `SELECT * FROM cloudsync_changes` works without a CREATE VIRTUAL TABLE.
func Register(conn *sqlite3.Conn, m *Module) error {
	connect := func(c *sqlite3.Conn, _, _, _ string, arg ...string) (*vTab, error) {
		err := c.DeclareVTab(`CREATE TABLE x (
			tbl TEXT, pk BLOB, col_name TEXT, col_value ANY,
			col_version INTEGER, db_version INTEGER, site_id BLOB, cl INTEGER, seq INTEGER
		)`)
		if err != nil {
			return nil, fmt.Errorf("changeview: declare vtab: %w", err)
		}
		return &vTab{module: m}, nil
	}
	return sqlite3.CreateModule(conn, "cloudsync_changes", nil, connect)
}

const (
	colTbl = iota
	colPK
	colColName
	colColValue
	colColVersion
	colDBVersion
	colSiteID
	colCL
	colSeq
)

// idxNum bit flags set by BestIndex and decoded by Filter; argv values
// arrive in flag order (db_version bound first, then site_id).
const (
	idxDBVersion = 1 << iota
	idxSiteID
)

type vTab struct {
	module *Module
}

// constraintOp maps a pushed-down db_version comparison to the SQL
// operator spliced into the view's WHERE clause; "" means the constraint
// kind is not handled here.
func constraintOp(op sqlite3.IndexConstraintOp) string {
	switch op {
	case sqlite3.INDEX_CONSTRAINT_EQ:
		return "="
	case sqlite3.INDEX_CONSTRAINT_GT:
		return ">"
	case sqlite3.INDEX_CONSTRAINT_GE:
		return ">="
	case sqlite3.INDEX_CONSTRAINT_LT:
		return "<"
	case sqlite3.INDEX_CONSTRAINT_LE:
		return "<="
	default:
		return ""
	}
}

// BestIndex implements the cost table: equality/range on
// db_version and equality on site_id drive the estimated cost via
// Filter.EstimatedCost. The matched db_version operator is preserved in
// IdxStr so Filter applies the comparison the query actually asked for,
// not a hardcoded lower bound. Any requested ORDER BY other than the
// view's native (db_version, seq) ASC is reported unconsumed, so SQLite
// adds its own sort step.
func (t *vTab) BestIndex(idx *sqlite3.IndexInfo) error {
	var f Filter
	argvIdx := 0

	for i, cst := range idx.Constraint {
		if !cst.Usable {
			continue
		}
		switch {
		case cst.Column == colDBVersion && constraintOp(cst.Op) != "":
			if idx.IdxNum&idxDBVersion != 0 {
				continue
			}
			argvIdx++
			idx.ConstraintUsage[i].ArgvIndex = argvIdx
			idx.ConstraintUsage[i].Omit = true
			idx.IdxNum |= idxDBVersion
			idx.IdxStr = constraintOp(cst.Op)
			f.DBVersionOp = idx.IdxStr
		case cst.Column == colSiteID && cst.Op == sqlite3.INDEX_CONSTRAINT_EQ:
			if idx.IdxNum&idxSiteID != 0 {
				continue
			}
			argvIdx++
			idx.ConstraintUsage[i].ArgvIndex = argvIdx
			idx.ConstraintUsage[i].Omit = true
			idx.IdxNum |= idxSiteID
			f.SiteID = []byte{0} // marks "constrained"
		}
	}

	idx.EstimatedCost = f.EstimatedCost()

	consumesOrder := len(idx.OrderBy) == 2 &&
		idx.OrderBy[0].Column == colDBVersion && !idx.OrderBy[0].Desc &&
		idx.OrderBy[1].Column == colSeq && !idx.OrderBy[1].Desc
	idx.OrderByConsumed = consumesOrder
	return nil
}

func (t *vTab) Open() (sqlite3.VTabCursor, error) {
	return &cursor{vtab: t}, nil
}

func (t *vTab) Disconnect() error { return nil }

// Update implements the vtab write path. INSERT applies a foreign change;
// UPDATE and DELETE are misuse — cloudsync_changes is INSERT-only.
// Argument layout follows xUpdate: a single arg is a DELETE of that rowid;
// otherwise arg[0] is the old rowid (NULL for INSERT), arg[1] the new
// rowid, and arg[2:] the column values in declaration order.
func (t *vTab) Update(arg ...sqlite3.Value) (rowID int64, err error) {
	if len(arg) == 1 {
		return 0, ErrReadOnlyMutation
	}
	if arg[0].Type() != sqlite3.NULL {
		return 0, ErrReadOnlyMutation
	}
	row, err := rowFromArgs(arg[2:])
	if err != nil {
		return 0, err
	}
	if err := t.module.Applier.Apply(row); err != nil {
		return 0, err
	}
	return csync.RowID(row.DBVersion, row.Seq)
}

func rowFromArgs(v []sqlite3.Value) (csync.ChangeRow, error) {
	if len(v) < 9 {
		return csync.ChangeRow{}, fmt.Errorf("changeview: %w: insert expected 9 columns, got %d", csync.ErrMisuse, len(v))
	}
	return csync.ChangeRow{
		Table:      v[colTbl].Text(),
		PK:         v[colPK].Blob(nil),
		ColName:    v[colColName].Text(),
		ColValue:   csync.ValueToAny(v[colColValue]),
		ColVersion: v[colColVersion].Int64(),
		DBVersion:  v[colDBVersion].Int64(),
		SiteID:     v[colSiteID].Blob(nil),
		CL:         v[colCL].Int64(),
		Seq:        v[colSeq].Int64(),
	}, nil
}

type cursor struct {
	vtab *vTab
	rows []csync.ChangeRow
	pos  int
}

func (c *cursor) Filter(idxNum int, idxStr string, arg ...sqlite3.Value) error {
	var filter Filter
	i := 0
	if idxNum&idxDBVersion != 0 && i < len(arg) {
		filter.DBVersion = arg[i].Int64()
		filter.DBVersionOp = idxStr
		i++
	}
	if idxNum&idxSiteID != 0 && i < len(arg) {
		filter.SiteID = arg[i].Blob(nil)
	}

	rows, err := c.vtab.module.View.Rows(filter)
	if err != nil {
		return err
	}
	c.rows = rows
	c.pos = 0
	return nil
}

func (c *cursor) Next() error {
	c.pos++
	return nil
}

func (c *cursor) EOF() bool {
	return c.pos >= len(c.rows)
}

func (c *cursor) Column(ctx sqlite3.Context, col int) error {
	r := c.rows[c.pos]
	switch col {
	case colTbl:
		ctx.ResultText(r.Table)
	case colPK:
		ctx.ResultBlob(r.PK)
	case colColName:
		ctx.ResultText(r.ColName)
	case colColValue:
		csync.ResultAny(ctx, r.ColValue)
	case colColVersion:
		ctx.ResultInt64(r.ColVersion)
	case colDBVersion:
		ctx.ResultInt64(r.DBVersion)
	case colSiteID:
		ctx.ResultBlob(r.SiteID)
	case colCL:
		ctx.ResultInt64(r.CL)
	case colSeq:
		ctx.ResultInt64(r.Seq)
	}
	return nil
}

func (c *cursor) RowID() (int64, error) {
	r := c.rows[c.pos]
	return csync.RowID(r.DBVersion, r.Seq)
}

func (c *cursor) Close() error { return nil }
