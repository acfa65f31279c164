package eagerconn

import (
	"fmt"
	"regexp"
)

// namedPlaceholder matches the three named-placeholder spellings SQLite
// accepts: :name, @name, $name.
var namedPlaceholder = regexp.MustCompile(`[:@$][A-Za-z_][A-Za-z0-9_]*`)

// validateNamedParams checks that every named placeholder appearing in sql
// has a corresponding entry in params, catching a mismatched bind before a
// request ever reaches the worker. Grounded on the pre-dispatch argument
// count check a database/sql/driver.Stmt performs locally rather than
// round-tripping a doomed request to the engine.
func validateNamedParams(sql string, params map[string]any) error {
	for _, match := range namedPlaceholder.FindAllString(sql, -1) {
		name := match[1:]
		if _, ok := params[name]; !ok {
			return fmt.Errorf("eagerconn: sql references placeholder %q with no matching param", match)
		}
	}
	return nil
}
