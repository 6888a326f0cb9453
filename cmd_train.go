package main

// ===========================================================================
// TRAINING CLI - Mixed Precision End to End
// ===========================================================================
//
// This file implements a minimal training CLI that demonstrates the full
// mixed precision pipeline: build a tiny model, run it through Initialize,
// train on synthetic sequences, and report loss scale activity.
//
// INTENTION:
// Provide a working end-to-end example of the AMP layer. This is meant to
// be:
//   - Simple enough to run in seconds on a laptop
//   - Complete enough to exercise every opt level and override path
//   - A template for wiring Initialize into a real training script
//
// KEY DESIGN DECISIONS:
//
// 1. DATASET:
//    - Synthetic repeating token sequences (token i+1 follows token i,
//      modulo vocab). A tiny model learns this quickly, so loss visibly
//      drops and the run validates itself.
//    - Why? No tokenizer, no files, no download. The subject here is the
//      precision machinery, not the data.
//
// 2. MODEL SIZE:
//    - Default: 2 layers, 32 embed dim, vocab 64
//    - Small enough that fp16 quantization effects show up in seconds
//
// 3. AMP FLAGS:
//    - String-typed flags for loss-scale / keep-layernorm-fp32 /
//      master-weights, empty string meaning "not supplied". This mirrors
//      how the option coercion works: callers hand over loosely-typed
//      values and the Properties setter validates them.
//
// WHAT YOU'LL SEE:
// - The opt level banner and resolved options printed by Initialize
// - Loss dropping from ~4.2 (log 64) toward ~0
// - Under O1/O2, occasional "gradient overflow" skips as the dynamic
//   scaler probes its ceiling
//
// ===========================================================================

import (
	"flag"
	"fmt"
	"math/rand"
)

// RunTrainCommand implements the training CLI.
func RunTrainCommand(args []string) error {
	fs := flag.NewFlagSet("train", flag.ExitOnError)

	// Model hyperparameters
	numLayers := fs.Int("layers", 2, "Number of transformer layers")
	embedDim := fs.Int("embed", 32, "Embedding dimension")
	seqLen := fs.Int("seq", 16, "Sequence length (context window)")
	vocabSize := fs.Int("vocab", 64, "Vocabulary size")

	// Training hyperparameters
	steps := fs.Int("steps", 100, "Number of training steps")
	batchSize := fs.Int("batch", 4, "Sequences per step")
	lr := fs.Float64("lr", 0.001, "Learning rate")
	seed := fs.Int64("seed", 42, "Random seed for the synthetic data")

	// Mixed precision. String flags with "" meaning "not supplied" so the
	// opt level's default wins unless the user says otherwise.
	ampEnabled := fs.Bool("amp", true, "Enable mixed precision")
	optLevelFlag := fs.String("opt-level", "O1", "Optimization level (O0, O1, O2, O3)")
	lossScale := fs.String("loss-scale", "", "Loss scale: a number or \"dynamic\" (default: per opt level)")
	keepLayerNorm := fs.String("keep-layernorm-fp32", "", "Keep LayerNorm params in fp32: \"True\" or \"False\" (default: per opt level)")
	masterWeights := fs.String("master-weights", "", "Maintain fp32 master weights: \"True\" or \"False\" (default: per opt level)")
	hardOverride := fs.Bool("hard-override", false, "Downgrade configuration consistency errors to warnings")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Println("===========================================================================")
	fmt.Println("TRAINING A TINY GPT MODEL WITH MIXED PRECISION")
	fmt.Println("===========================================================================")
	fmt.Println()
	fmt.Printf("Model: %d layers, %d embed dim, %d seq len, %d vocab\n",
		*numLayers, *embedDim, *seqLen, *vocabSize)
	fmt.Printf("Training: %d steps, batch size %d, lr %.4f\n", *steps, *batchSize, *lr)
	fmt.Println()

	// Step 1: Build the model and optimizer
	fmt.Println("Step 1: Initializing model and optimizer")
	config := Config{
		VocabSize: *vocabSize,
		SeqLen:    *seqLen,
		EmbedDim:  *embedDim,
		NumLayers: *numLayers,
		FFHidden:  *embedDim * 4, // Standard GPT ratio (4x embed dim)
	}
	model := NewGPT(config)
	params := model.Parameters()
	fmt.Printf("  Total parameters: %d\n", countParameters(params))

	optimizer := Optimizer(NewAdamOptimizer(params, 0.9, 0.999, 1e-8, 0.0))
	fmt.Println()

	// Step 2: Configure mixed precision
	fmt.Println("Step 2: Configuring mixed precision")
	overrides := map[string]any{
		"loss_scale":          stringOverride(*lossScale),
		"keep_layernorm_fp32": stringOverride(*keepLayerNorm),
		"master_weights":      boolStringOverride(*masterWeights),
	}
	model, optimizer, err := Initialize(model, optimizer, InitConfig{
		Enabled:      *ampEnabled,
		OptLevel:     *optLevelFlag,
		HardOverride: *hardOverride,
		Overrides:    overrides,
	})
	if err != nil {
		return err
	}
	fmt.Println()

	// Step 3: Build synthetic data
	rng := rand.New(rand.NewSource(*seed))

	// Step 4: Train!
	fmt.Println("Step 3: Training...")
	fmt.Println("-------------------------------------------------------------------")
	scheduler := NewLRScheduler(*lr, *lr*0.1, 10, *steps)
	for step := 0; step < *steps; step++ {
		batch := make([][]int, *batchSize)
		targets := make([][]int, *batchSize)
		for i := range batch {
			batch[i], targets[i] = syntheticSequence(rng, *vocabSize, *seqLen)
		}

		currentLR := scheduler.GetLR()
		loss := TrainStep(model, batch, targets, optimizer, currentLR)

		if step%10 == 0 || step == *steps-1 {
			fmt.Printf("Step %d/%d, Loss: %.4f, LR: %.6f, Loss scale: %g\n",
				step+1, *steps, loss, currentLR, lossScaleOf(optimizer))
		}
	}
	fmt.Println("-------------------------------------------------------------------")
	fmt.Println()

	// Step 5: Report
	if amp, ok := optimizer.(*AMPOptimizer); ok {
		fmt.Printf("Final loss scale: %g (dynamic: %v)\n", amp.Scaler().Scale(), amp.Scaler().Dynamic())
		fmt.Printf("Steps skipped due to gradient overflow: %d\n", amp.SkippedSteps())
	} else {
		fmt.Println("Mixed precision was disabled; trained in plain fp32.")
	}
	fmt.Println()
	fmt.Println("Training complete!")

	return nil
}

// syntheticSequence produces one next-token-prediction example: the input
// counts upward from a random start (modulo vocab) and each target is the
// token after its input position.
func syntheticSequence(rng *rand.Rand, vocabSize, seqLen int) (input, target []int) {
	start := rng.Intn(vocabSize)
	input = make([]int, seqLen)
	target = make([]int, seqLen)
	for i := 0; i < seqLen; i++ {
		input[i] = (start + i) % vocabSize
		target[i] = (start + i + 1) % vocabSize
	}
	return input, target
}

// stringOverride maps the empty flag value to nil so Initialize treats the
// option as "not supplied" and the opt level default applies.
func stringOverride(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// boolStringOverride parses the "True"/"False" convention used by the
// boolean AMP flags, leaving anything else to the option coercion to
// reject with a proper error.
func boolStringOverride(s string) any {
	switch s {
	case "":
		return nil
	case "True", "true":
		return true
	case "False", "false":
		return false
	}
	return s
}

// countParameters counts total parameters in model.
func countParameters(params []*Tensor) int {
	total := 0
	for _, p := range params {
		count := 1
		for _, dim := range p.shape {
			count *= dim
		}
		total += count
	}
	return total
}
