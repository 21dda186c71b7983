package main

import (
	"flag"
	"os"

	"github.com/m-lab/go/cloud/bqx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/perfbridge/pkg/bridge/model"
	"github.com/m-lab/perfbridge/pkg/engine"

	"cloud.google.com/go/bigquery"
)

var (
	clientSchema string
	serverSchema string
)

func init() {
	flag.StringVar(&clientSchema, "perfbridge-client", "/var/spool/datatypes/perfbridge-client.json",
		"filename to write the perfbridge-client schema")
	flag.StringVar(&serverSchema, "perfbridge", "/var/spool/datatypes/perfbridge.json",
		"filename to write the perfbridge server schema")
}

func main() {
	flag.Parse()
	// Generate and save schemas for autoloading.
	// perfbridge-client schema.
	sch, err := bigquery.InferSchema(model.ArchivalData{})
	rtx.Must(err, "failed to generate perfbridge-client schema")
	sch = bqx.RemoveRequired(sch)
	b, err := sch.ToJSONFields()
	rtx.Must(err, "failed to marshal perfbridge-client schema")
	err = os.WriteFile(clientSchema, b, 0o644)
	rtx.Must(err, "failed to write perfbridge-client schema")
	// perfbridge server schema.
	sch, err = bigquery.InferSchema(engine.ArchivalData{})
	rtx.Must(err, "failed to generate perfbridge schema")
	sch = bqx.RemoveRequired(sch)
	b, err = sch.ToJSONFields()
	rtx.Must(err, "failed to marshal perfbridge schema")
	err = os.WriteFile(serverSchema, b, 0o644)
	rtx.Must(err, "failed to write perfbridge schema")
}
