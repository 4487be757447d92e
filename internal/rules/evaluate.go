package rules

import "sort"

// FailureGroup aggregates every row that produced the same outcome for the
// same observed value, so reports stay compact on files with millions of
// identical bad values.
type FailureGroup struct {
	RuleName string
	Value    string
	Status   Status
	Message  string
	Rows     []int64
}

type ColumnReport struct {
	Column    string
	RowCount  int64
	FailCount int64
	WarnCount int64
	Groups    []FailureGroup
}

func (r ColumnReport) Passed() bool {
	return r.FailCount == 0
}

type groupKey struct {
	rule  string
	value string
}

// ColumnEvaluator runs a column's rules row-wise and groups non-success
// outcomes by distinct value.
type ColumnEvaluator struct {
	column    string
	rules     []Rule
	groups    map[groupKey]*FailureGroup
	order     []groupKey
	rowCount  int64
	failCount int64
	warnCount int64
}

func NewColumnEvaluator(column string, columnRules []Rule) *ColumnEvaluator {
	return &ColumnEvaluator{
		column: column,
		rules:  columnRules,
		groups: make(map[groupKey]*FailureGroup),
	}
}

// Row evaluates one cell. rowNo is 1-based over data rows.
func (e *ColumnEvaluator) Row(rowNo int64, value string, row map[string]string) {
	e.rowCount++

	for _, rule := range e.rules {
		outcome := rule.Check(e.column, value, row)
		if outcome.Status == Success {
			continue
		}

		if outcome.Status == Fail {
			e.failCount++
		} else {
			e.warnCount++
		}

		key := groupKey{rule: rule.Name(), value: value}
		group, exists := e.groups[key]
		if !exists {
			group = &FailureGroup{
				RuleName: rule.Name(),
				Value:    value,
				Status:   outcome.Status,
				Message:  outcome.Message,
			}
			e.groups[key] = group
			e.order = append(e.order, key)
		}
		group.Rows = append(group.Rows, rowNo)
	}
}

func (e *ColumnEvaluator) Report() ColumnReport {
	report := ColumnReport{
		Column:    e.column,
		RowCount:  e.rowCount,
		FailCount: e.failCount,
		WarnCount: e.warnCount,
	}

	for _, key := range e.order {
		group := e.groups[key]
		sort.Slice(group.Rows, func(i, j int) bool { return group.Rows[i] < group.Rows[j] })
		report.Groups = append(report.Groups, *group)
	}

	return report
}
