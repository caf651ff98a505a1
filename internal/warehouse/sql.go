package warehouse

import (
	"fmt"
	"strings"

	"github.com/datalift-io/biglake-migrator/internal/config"
)

// tableRef renders a backtick-quoted dataset.table reference.
func tableRef(dataset, table string) string {
	return fmt.Sprintf("`%s.%s`", dataset, table)
}

// connectionRef renders the fully qualified storage connection.
func connectionRef(projectID, region, connectionID string) string {
	return fmt.Sprintf("`%s.%s.%s`", projectID, region, connectionID)
}

func createManagedTableSQL(projectID, region, connectionID, dataset, table, ddlColumns, bucket, storagePrefix string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s)
WITH CONNECTION %s
OPTIONS (file_format = 'PARQUET', table_format = 'ICEBERG', storage_uri = 'gs://%s/%s')`,
		tableRef(dataset, table), ddlColumns,
		connectionRef(projectID, region, connectionID),
		bucket, storagePrefix)
}

// createManagedFromStagingSQL creates the managed table with the staged
// table's own shape. Used when no column mapping exists, so there is no
// explicit DDL column list. WHERE FALSE keeps the create empty; the load
// stage moves the rows.
func createManagedFromStagingSQL(projectID, region, connectionID, dataset, table, bucket, storagePrefix, srcDataset, srcTable, selectExpr string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s
WITH CONNECTION %s
OPTIONS (file_format = 'PARQUET', table_format = 'ICEBERG', storage_uri = 'gs://%s/%s')
AS SELECT %s FROM %s WHERE FALSE`,
		tableRef(dataset, table),
		connectionRef(projectID, region, connectionID),
		bucket, storagePrefix,
		selectExpr, tableRef(srcDataset, srcTable))
}

func createExternalTableSQL(projectID, region, connectionID, dataset, table, bucket, prefix, format string) string {
	return fmt.Sprintf(`CREATE OR REPLACE EXTERNAL TABLE %s
WITH CONNECTION %s
OPTIONS (format = '%s', uris = ['gs://%s/%s*'])`,
		tableRef(dataset, table),
		connectionRef(projectID, region, connectionID),
		format, bucket, prefix)
}

// loadStatements builds the DML for one load. TRUNCATE produces two
// statements run in order.
func loadStatements(p LoadParams) ([]string, error) {
	src := tableRef(p.SourceDataset, p.SourceTable)
	dst := tableRef(p.TargetDataset, p.TargetTable)

	switch p.Mode {
	case config.ModeAppend, "":
		return []string{
			fmt.Sprintf("INSERT INTO %s SELECT %s FROM %s", dst, p.SelectExpr, src),
		}, nil

	case config.ModeTruncate:
		return []string{
			fmt.Sprintf("TRUNCATE TABLE %s", dst),
			fmt.Sprintf("INSERT INTO %s SELECT %s FROM %s", dst, p.SelectExpr, src),
		}, nil

	case config.ModeMerge:
		if p.Key == "" {
			return nil, fmt.Errorf("MERGE load needs a key column")
		}
		if len(p.Columns) == 0 {
			return nil, fmt.Errorf("MERGE load needs an explicit column mapping")
		}
		sets := make([]string, 0, len(p.Columns))
		values := make([]string, 0, len(p.Columns))
		for _, col := range p.Columns {
			sets = append(sets, fmt.Sprintf("T.%s = S.%s", col, col))
			values = append(values, "S."+col)
		}
		return []string{
			fmt.Sprintf(`MERGE %s T
USING (SELECT %s FROM %s) S
ON T.%s = S.%s
WHEN MATCHED THEN UPDATE SET %s
WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)`,
				dst, p.SelectExpr, src,
				p.Key, p.Key,
				strings.Join(sets, ", "),
				strings.Join(p.Columns, ", "),
				strings.Join(values, ", ")),
		}, nil

	default:
		return nil, fmt.Errorf("unknown load mode %q", p.Mode)
	}
}

func rowCountSQL(dataset, table string) string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s", tableRef(dataset, table))
}

func tableExistsSQL(dataset, table string) string {
	return fmt.Sprintf("SELECT COUNT(*) FROM `%s`.INFORMATION_SCHEMA.TABLES WHERE table_name = '%s'", dataset, table)
}

func dropTableSQL(dataset, table string) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s", tableRef(dataset, table))
}

// columnChecksumSQL digests all non-null values of a column. The aggregate
// orders values itself, so the result is independent of row order.
func columnChecksumSQL(dataset, table, column string) string {
	return fmt.Sprintf(
		"SELECT TO_HEX(MD5(STRING_AGG(CAST(%s AS STRING), '' ORDER BY CAST(%s AS STRING)))) FROM %s WHERE %s IS NOT NULL",
		column, column, tableRef(dataset, table), column)
}

func nullCountSQL(dataset, table, column string) string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s IS NULL",
		tableRef(dataset, table), column)
}

func duplicateKeySQL(dataset, table, column string, limit int) string {
	return fmt.Sprintf(
		"SELECT CAST(%s AS STRING) AS key_value, COUNT(*) AS dup_count FROM %s GROUP BY key_value HAVING dup_count > 1 LIMIT %d",
		column, tableRef(dataset, table), limit)
}
