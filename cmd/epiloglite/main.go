// Command epiloglite is a small walkthrough of the storage engine:
// open a file, create a table, insert and update rows, commit, close,
// and reopen to show the data survived. It exists to exercise the public
// contract end to end, the way the teacher's cmd/demo_storage_architecture
// walks its own StorageManager.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/epiloglite/epiloglite/internal/catalog"
	"github.com/epiloglite/epiloglite/internal/engine"
	"github.com/epiloglite/epiloglite/internal/vfs"
)

func main() {
	path := flag.String("db", "epiloglite_demo.db", "path to the database file")
	flag.Parse()

	fmt.Println("=== epiloglite storage engine walkthrough ===")
	fmt.Printf("database file: %s\n\n", *path)

	if err := run(*path); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(path string) error {
	v, err := vfs.OpenFile(path)
	if err != nil {
		return err
	}

	fmt.Println("opening (or creating) the database")
	e, err := engine.Open(v, engine.DefaultOptions())
	if err != nil {
		return err
	}

	fmt.Println("creating table \"people\"")
	columns := []catalog.ColumnDef{
		{Name: "name", Nullable: false},
		{Name: "age", Nullable: true},
	}
	if err := e.CreateTable(nil, "people", columns, nil); err != nil {
		return err
	}

	fmt.Println("inserting rows inside an explicit transaction")
	tx, err := e.Begin()
	if err != nil {
		return err
	}
	aliceID, err := e.Insert(tx, "people", []byte("alice,30"))
	if err != nil {
		return err
	}
	if _, err := e.Insert(tx, "people", []byte("bob,25")); err != nil {
		return err
	}
	if err := e.Commit(tx); err != nil {
		return err
	}

	fmt.Println("updating alice's row")
	if err := e.Update(nil, "people", aliceID, []byte("alice,31")); err != nil {
		return err
	}

	rows, err := e.Scan("people")
	if err != nil {
		return err
	}
	fmt.Println("current rows:")
	for _, r := range rows {
		fmt.Printf("  row_id=%d bytes=%q\n", r.RowID, r.Bytes)
	}

	fmt.Println("running a maintenance pass")
	if err := e.Maintain(); err != nil {
		return err
	}

	fmt.Println("closing the database")
	if err := e.Close(); err != nil {
		return err
	}

	fmt.Println("\nreopening to confirm durability")
	v2, err := vfs.OpenFile(path)
	if err != nil {
		return err
	}
	e2, err := engine.Open(v2, engine.DefaultOptions())
	if err != nil {
		return err
	}
	rows2, err := e2.Scan("people")
	if err != nil {
		return err
	}
	fmt.Printf("rows after reopen: %d\n", len(rows2))
	return e2.Close()
}
