package sqlcommon

import (
	"fmt"

	"github.com/bjmayor/finance-permission-system/pkg/permission"
)

// The snapshot statements below are portable across the supported engines;
// only the staging DDL differs per dialect. Each load joins the closure
// table against one dimension for every supervisor at once. A fund's
// handler, order owner and customer administrator are single-valued, so a
// dimension never produces duplicate (supervisor, fund) rows on its own.

const loadHandleSQL = `
INSERT INTO finance_permission_stage
  (supervisor_id, fund_id, handle_by, handler_name, department, order_id, customer_id, amount, permission_type)
SELECT h.user_id, f.fund_id, f.handle_by, u.name, u.department, f.order_id, f.customer_id, f.amount, 'handle'
FROM user_hierarchy h
JOIN financial_funds f ON f.handle_by = h.subordinate_id
LEFT JOIN users u ON u.id = f.handle_by`

const loadOrderSQL = `
INSERT INTO finance_permission_stage
  (supervisor_id, fund_id, handle_by, handler_name, department, order_id, customer_id, amount, permission_type)
SELECT h.user_id, f.fund_id, f.handle_by, u.name, u.department, f.order_id, f.customer_id, f.amount, 'order'
FROM user_hierarchy h
JOIN orders o ON o.user_id = h.subordinate_id
JOIN financial_funds f ON f.order_id = o.id
LEFT JOIN users u ON u.id = f.handle_by`

const loadCustomerSQL = `
INSERT INTO finance_permission_stage
  (supervisor_id, fund_id, handle_by, handler_name, department, order_id, customer_id, amount, permission_type)
SELECT h.user_id, f.fund_id, f.handle_by, u.name, u.department, f.order_id, f.customer_id, f.amount, 'customer'
FROM user_hierarchy h
JOIN customers c ON c.admin_id = h.subordinate_id
JOIN financial_funds f ON f.customer_id = c.id
LEFT JOIN users u ON u.id = f.handle_by`

// LoadDimensionSQL returns the bulk INSERT ... SELECT for one dimension.
func LoadDimensionSQL(t permission.Type) string {
	switch t {
	case permission.TypeHandle:
		return loadHandleSQL
	case permission.TypeOrder:
		return loadOrderSQL
	case permission.TypeCustomer:
		return loadCustomerSQL
	default:
		return ""
	}
}

// CollapseSQL removes duplicate (supervisor, fund) rows, keeping the row
// with the lowest id. The derived table keeps MySQL from reading the table
// it is deleting from.
func CollapseSQL() string {
	return `
DELETE FROM finance_permission_stage
WHERE mv_id NOT IN (
  SELECT keep FROM (
    SELECT MIN(mv_id) AS keep
    FROM finance_permission_stage
    GROUP BY supervisor_id, fund_id
  ) dedup
)`
}

// IndexSQL returns the read-path index builds, deferred until after the
// bulk loads: maintaining them during insertion dominates pipeline time.
// Index names are database-global on postgres and sqlite and survive the
// publish rename, so every build scopes its names with the stage id to keep
// them clear of the currently published snapshot's.
func IndexSQL(stageID string) []string {
	stmts := make([]string, 0, 5)
	for _, idx := range []struct {
		name    string
		columns string
	}{
		{"supervisor_type", "(supervisor_id, permission_type)"},
		{"supervisor_fund", "(supervisor_id, fund_id)"},
		{"type", "(permission_type)"},
		{"supervisor_amount", "(supervisor_id, amount DESC)"},
		{"fund", "(fund_id)"},
	} {
		stmts = append(stmts, fmt.Sprintf(
			"CREATE INDEX idx_fp_%s_%s ON finance_permission_stage %s",
			stageID, idx.name, idx.columns,
		))
	}
	return stmts
}

// PublishSQL swaps the staged table into the published position. The
// previous snapshot and its stage-scoped indexes drop together.
func PublishSQL() []string {
	return []string{
		"DROP TABLE IF EXISTS finance_permission_mv",
		"ALTER TABLE finance_permission_stage RENAME TO finance_permission_mv",
	}
}
