// Command comtiles-convert builds a COMTiles archive from an MBTiles
// database. Grounded on main.go's "convert" subcommand, but with
// alecthomas/kong for flag parsing instead of the stdlib flag package the
// teacher's own commands use (kong is declared in the teacher's go.mod but
// never wired into a command there; this is where it earns its place).
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"

	"github.com/comtiles/go-comtiles/comtiles"
	"github.com/comtiles/go-comtiles/mbtilesource"
)

var cli struct {
	Input          string `short:"i" required:"" help:"Path to the source MBTiles database."`
	Output         string `short:"o" required:"" help:"Path to write the COMTiles archive to."`
	PyramidMaxZoom int    `short:"z" name:"pyramidMaxZoom" default:"7" help:"Highest zoom kept fully loaded in the pyramid index."`
	MaxZoomDbQuery int    `short:"m" name:"maxZoomDbQuery" default:"8" help:"Lowest zoom whose populated tiles are loaded from the source database with one bulk query per zoom; lower zooms are queried one tile at a time."`
	Quiet          bool   `short:"q" help:"Suppress the progress bar."`
}

func main() {
	kong.Parse(&cli,
		kong.Name("comtiles-convert"),
		kong.Description("Convert an MBTiles database into a COMTiles archive."),
	)

	logger := log.New(os.Stdout, "", log.Ldate|log.Ltime)
	if err := run(logger); err != nil {
		logger.Fatalf("comtiles-convert: %v", err)
	}
}

func run(logger *log.Logger) error {
	start := time.Now()

	src, err := mbtilesource.Open(cli.Input,
		mbtilesource.WithPyramidMaxZoom(cli.PyramidMaxZoom),
		mbtilesource.WithMaxZoomDbQuery(cli.MaxZoomDbQuery),
	)
	if err != nil {
		return fmt.Errorf("opening %s: %w", cli.Input, err)
	}
	defer src.Close()

	out, err := os.OpenFile(cli.Output, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", cli.Output, err)
	}
	defer out.Close()

	writer, err := comtiles.NewArchiveWriter(out, src.Metadata())
	if err != nil {
		return fmt.Errorf("validating tile matrix set: %w", err)
	}
	writer.EnableProgress(cli.Quiet)

	logger.Printf("converting %s -> %s (pyramidMaxZoom=%d, maxZoomDbQuery=%d)", cli.Input, cli.Output, cli.PyramidMaxZoom, cli.MaxZoomDbQuery)

	if err := writer.Write(context.Background(), src); err != nil {
		return fmt.Errorf("writing archive: %w", err)
	}

	info, err := out.Stat()
	if err != nil {
		return err
	}
	logger.Printf("wrote %s in %s", humanize.Bytes(uint64(info.Size())), time.Since(start).Round(time.Millisecond))
	return nil
}
