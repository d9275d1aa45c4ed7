package node

import (
	"database/sql"
)

// scanRows 把结果集展开为记录列表，字节列还原为字符串
func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	records := []map[string]any{}
	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}

		record := make(map[string]any, len(columns))
		for i, column := range columns {
			value := values[i]
			if buf, ok := value.([]byte); ok {
				value = string(buf)
			}
			record[column] = value
		}
		records = append(records, record)
	}
	return records, rows.Err()
}
