// csextctl drives SPI peripherals that sit behind extended chip-select
// lines, straight from the shell. It applies a declarative overlay config
// (or the built-in SPI0/GPIO19 profile) and issues single transfers.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	goutils "go.viam.com/utils"
	"periph.io/x/host/v3"

	"github.com/hwlayers/csext"
	"github.com/hwlayers/csext/engine"
	"github.com/hwlayers/csext/overlay"
	"github.com/hwlayers/csext/pinmux"
)

// gpioDriver is what the soft chip-select lines are driven through; which
// implementation backs it is decided per platform in newGPIODriver.
type gpioDriver interface {
	csext.GPIO
	Close() error
}

func main() {
	logger := golog.NewDevelopmentLogger("csextctl")

	app := &cli.App{
		Name:  "csextctl",
		Usage: "drive SPI peripherals behind extended (GPIO) chip-select lines",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "overlay config file; omit for the built-in SPI0/GPIO19 profile",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "lines",
				Usage: "print the chip-select lines the config declares",
				Action: func(c *cli.Context) error {
					conf, err := loadConfig(c.String("config"))
					if err != nil {
						return err
					}
					if err := conf.Validate("overlay"); err != nil {
						return err
					}
					for _, line := range conf.Lines {
						target := line.Line
						if line.Kind == overlay.KindGPIO {
							target = fmt.Sprintf("gpio%d", *line.Pin)
						}
						fmt.Printf("cs%d\t%s\t%s\t%d Hz\t%s\n",
							line.Index, line.Kind, target, line.MaxFrequencyHz, line.Peripheral)
					}
					return nil
				},
			},
			{
				Name:  "xfer",
				Usage: "run one duplex transfer against a chip-select index",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "index", Usage: "chip-select index", Required: true},
					&cli.StringFlag{Name: "hex", Usage: "bytes to transmit, hex encoded", Required: true},
					&cli.UintFlag{Name: "hz", Usage: "requested clock rate", Value: 500000},
					&cli.StringFlag{
						Name:  "gpiochip",
						Usage: "GPIO character device for soft lines (e.g. /dev/gpiochip0); omit to use periph.io pins",
					},
				},
				Action: func(c *cli.Context) error {
					return runTransfer(c, logger)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Fatal(err)
	}
}

func loadConfig(path string) (*overlay.Config, error) {
	if path == "" {
		return overlay.SPI0GPIO19(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var conf overlay.Config
	if err := json.Unmarshal(raw, &conf); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return &conf, nil
}

func runTransfer(c *cli.Context, logger golog.Logger) error {
	ctx := context.Background()

	conf, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}
	tx, err := hex.DecodeString(c.String("hex"))
	if err != nil {
		return errors.Wrap(err, "decoding --hex")
	}

	if _, err := host.Init(); err != nil {
		return errors.Wrap(err, "initializing periph host drivers")
	}
	gpio, err := newGPIODriver(c.String("gpiochip"), conf.SoftPins(), logger)
	if err != nil {
		return err
	}
	defer goutils.UncheckedErrorFunc(gpio.Close)

	bus, err := overlay.Apply(ctx, conf, engine.NewSPI(conf.Bus, conf.Mode), gpio, pinmux.NewMux(), logger)
	if err != nil {
		return err
	}
	defer func() {
		goutils.UncheckedErrorFunc(func() error { return bus.Close(ctx) })
	}()

	rx, err := bus.Submit(ctx, c.Uint("index"), tx, c.Uint("hz"))
	if err != nil {
		return err
	}
	fmt.Println(hex.EncodeToString(rx))
	return nil
}
