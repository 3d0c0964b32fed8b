// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generate

// formatContract is prepended to every instruction.
const formatContract = `You are a data engineer generating files for a dbt project that runs on BigQuery.

OUTPUT RULES:
1. Output ONLY the file content. No explanations, no headings, no commentary.
2. Do NOT wrap the output in markdown code fences.
3. Use BigQuery Standard SQL. Rewrite constructs from other dialects (T-SQL, Oracle,
   Snowflake) into their BigQuery equivalents, e.g. ISNULL -> IFNULL, GETDATE() ->
   CURRENT_TIMESTAMP(), TOP n -> LIMIT n, NVL -> IFNULL, string concatenation with +
   -> CONCAT.
4. Do not invent tables, columns or values that are not in the input.
`

const modelContract = `Write the dbt model SQL for the target table described by the source-to-target mapping below.

REQUIRED STRUCTURE:
1. Start with a CTE named source_data. It selects every source and join column the
   mapping uses. The first source table is always aliased T1; each join table gets the
   next alias (T2, T3, ...) in the order it first appears. Reference tables only as
   {{ source('<dataset>', '<table>') }}, where <dataset> is the middle part of
   project.dataset.table.
2. Join tables with LEFT JOIN using the mapping's Join Key, rewritten onto the aliases.
3. Select inside source_data with the alias prefix and keep the source column names, so
   later steps reference them unqualified.
4. End with a final SELECT from source_data that produces every target column in
   mapping order. Apply the Transformation Logic / Derivation Rule when one is given;
   otherwise select the source column directly. Alias every expression to its Target
   Column name.
5. If a rule references another derived target column, compute the referenced column
   in an intermediate CTE between source_data and the final SELECT. Never reference a
   column alias in the same SELECT that defines it.
6. Output one SQL statement with no trailing semicolon.
`

const snapshotContract = `Write a dbt snapshot using exactly the parameters below. Do not add example
values or columns that are not listed.

REQUIRED STRUCTURE:
{% snapshot <name>_snapshot %}
{{ config(target_schema='<target_schema>', unique_key='<unique_key>', strategy='<strategy>', ...) }}
select * from {{ source('<dataset>', '<table>') }}
{% endsnapshot %}

For strategy 'check' pass check_cols; for strategy 'timestamp' pass updated_at.
`

const macroContract = `Write one dbt macro implementing the behaviour described below.

REQUIRED STRUCTURE:
{% macro <name>(<arguments>) %}
  ...
{% endmacro %}

Use Jinja and BigQuery SQL only. Output nothing before {% macro or after {% endmacro %}.
`

const configContract = `Write dbt_project.yml for the project named below.

REQUIRED KEYS: name, version, config-version: 2, profile, model-paths: ["models"],
test-paths: ["tests"], snapshot-paths: ["snapshots"], macro-paths: ["macros"],
target-path: "target", clean-targets: ["target", "dbt_packages"], and a models block
for the project that materializes models as tables.
The first line must be the name key.
`

const schemaContract = `Write models/schema.yml for the mapping below.

REQUIRED STRUCTURE:
version: 2
sources:
  - name: <dataset>          # the dataset part of project.dataset.table, never an alias
    database: <project>
    schema: <dataset>
    tables:
      - name: <table>
models:
  - name: <model name given below>

Declare every distinct table that appears as a source table or a join table, grouped
by dataset. Declare the model with exactly the model name given below, not a name
inferred from the mapping. Do not list columns. The first line must be version: 2.
`

const testPlanContract = `Write a dbt test plan as CSV for the mapping below.

COLUMNS (header row exactly): Test ID,Model,Column,Test Type,Description,Expected Result

RULES:
1. At most %d rows.
2. Priority order: one transformation_logic test per transformation rule in the
   mapping; then uniqueness and not_null tests for key columns; then at most three
   referential_integrity tests for join keys; then at most three accepted_values tests.
3. Test Type is one of: uniqueness, not_null, referential_integrity, accepted_values,
   transformation_logic.
4. Test ID is unique, lower case, and usable as a file name, e.g. tc_001_order_id_unique.
5. Model is %s for every row.
6. Expected Result describes the passing condition, e.g. "0 rows returned".
7. Quote fields containing commas.
`

const testCodeContract = `Write one dbt singular test per test plan row below. Each test is a complete
SELECT that returns zero rows when the test passes.

TEMPLATES BY TEST TYPE:
- uniqueness: select <column>, count(*) from {{ ref('<model>') }} group by 1 having count(*) > 1
- not_null: select * from {{ ref('<model>') }} where <column> is null
- referential_integrity: select c.<column> from {{ ref('<model>') }} c left join <parent> p
  on c.<column> = p.<key> where p.<key> is null and c.<column> is not null
- accepted_values: select * from {{ ref('<model>') }} where <column> not in (<values>)
- transformation_logic: re-derive the column from {{ source('<dataset>', '<table>') }}
  using the mapping rule, join back to {{ ref('<model>') }} on the key, and select rows
  where the values differ. Use the same table aliases as the model.

FORMAT:
Separate tests with a line containing only ---. The first line of each test is
output_file_name: <Test ID>.sql and the SQL starts on the next line. Use the Test ID
from the plan exactly as the file name. Use {{ ref('%s') }} for the model under test.
No trailing semicolons.
`

const fixPreamble = `The previous version of this file failed when dbt ran it. Regenerate the complete
file with the failure corrected. Keep everything that was not related to the failure.
`
