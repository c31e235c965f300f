// Package latentrender renders a sequence of latent codes into a video file.
//
// A render drives a generative model batch by batch. Before each forward
// pass the model's first convolution layers are blended with a smoothed
// noise field, scaled by a per-frame envelope, so the imagery swells and
// settles over the clip. Generated batches flow through two bounded queues:
// a splitter turns each batch into 8-bit RGB frames and a feeder writes them,
// in order, to an encoder (ffmpeg or a GStreamer pipeline) that muxes the
// optional soundtrack.
//
// Three error types are fatal and never retried:
//
//	*StallError            a stage waited past its idle bound
//	*ShapeMismatchError    batched inputs or outputs do not line up
//	*ExternalProcessError  the encoder exited with a failure
//
// All three can be matched with errors.As on any error Render returns.
//
// Usage:
//
//	gen, _ := bridge.Start(ctx, bridge.Config{Command: "python3", Args: []string{"serve.py"}})
//	res, err := latentrender.Render(ctx, gen, latentrender.Job{
//		Latents:   latents,
//		BatchSize: 8,
//		Output:    "clip.mp4",
//		Encoder:   encoderParams,
//	})
package latentrender
