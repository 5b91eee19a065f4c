// Command inception builds the binary Inception-v3 graph and exports it.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/hpi-xnor/qinception/checkpoints"
	"github.com/hpi-xnor/qinception/layers"
	"github.com/hpi-xnor/qinception/models/inception"
	"github.com/hpi-xnor/qinception/web"
)

func main() {
	log.SetFlags(0)
	var (
		configFile = flag.String("config", "", "JSON network config")
		classes    = flag.Int("classes", 0, "number of output classes (overrides config)")
		bits       = flag.Int("bits", 0, "activation and weight bit width (overrides config)")
		summary    = flag.Bool("summary", false, "print the layer summary")
		symbolFile = flag.String("json", "", "write the symbol JSON to this file")
		onnxFile   = flag.String("onnx", "", "export the graph as ONNX to this file")
		checkpoint = flag.String("checkpoint", "", "write a JSON checkpoint to this file")
		addr       = flag.String("serve", "", "serve the graph over HTTP at this address")
	)
	flag.Parse()

	cfg, err := loadConfig(*configFile, *classes, *bits)
	if err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	model, err := inception.Build(cfg)
	if err != nil {
		log.Fatalf("Failed to build model: %v", err)
	}
	fp, err := model.Fingerprint()
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("built %s: %d layers, %d parameters, %d aux states", model.Output, len(model.Layers), model.TotalParameters, model.AuxParameters)
	log.Printf("fingerprint %s", fp)

	if *summary {
		fmt.Print(model.Summary())
	}
	if *symbolFile != "" {
		if err := writeSymbol(model, *symbolFile); err != nil {
			log.Fatal(err)
		}
		log.Println("wrote symbol", *symbolFile)
	}

	ckpt := &checkpoints.Checkpoint{
		ModelSpec: model,
		Metadata: checkpoints.CheckpointMetadata{
			Description: fmt.Sprintf("binary inception-v3, %d classes, %d bit", cfg.NumClasses, cfg.ActBit),
			Tags:        []string{"inception-v3", "quantized"},
		},
	}
	if *checkpoint != "" {
		if err := checkpoints.NewCheckpointSaver(checkpoints.FormatJSON).SaveCheckpoint(ckpt, *checkpoint); err != nil {
			log.Fatal(err)
		}
		log.Println("wrote checkpoint", *checkpoint)
	}
	if *onnxFile != "" {
		if err := checkpoints.NewCheckpointSaver(checkpoints.FormatONNX).SaveCheckpoint(ckpt, *onnxFile); err != nil {
			log.Fatal(err)
		}
		log.Println("wrote onnx model", *onnxFile)
	}

	if *addr != "" {
		h, err := web.NewServer(model)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("serving graph at http://%s", *addr)
		log.Fatal(http.ListenAndServe(*addr, h))
	}
}

// loadConfig reads the config file if given, then applies flag overrides
func loadConfig(path string, classes, bits int) (inception.Config, error) {
	cfg := inception.DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = inception.LoadConfig(path); err != nil {
			return cfg, err
		}
	}
	if classes > 0 {
		cfg.NumClasses = classes
	}
	if bits > 0 {
		cfg.ActBit = bits
	}
	return cfg, cfg.Validate()
}

func writeSymbol(model *layers.ModelSpec, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create symbol file: %v", err)
	}
	defer f.Close()
	if err := checkpoints.SaveSymbolJSON(f, model); err != nil {
		return err
	}
	return f.Close()
}
