/*
Package imaging captures machine images from stopped boxes.

A capture is only accepted while the source box is stopped, so the
image is a consistent snapshot of the filesystem. The box moves to
imaging for the duration and returns to stopped when the call ends,
success or not; the builder shares the lifecycle controller's
per-identity locks, so no stop, start or terminate can interleave with
a running capture.

Images are named "<role>_<unix timestamp>" and tracked in the registry
alongside the provider record. A capture that misses its deadline
(10 minutes by default) is marked failed, but the provider may finish
it later; List reconciles pending records against the provider so such
images eventually show available. Delete removes both sides and
tolerates an image already gone from the provider.

	img, err := builder.Capture(ctx, id, imaging.Options{TerminateAfter: true})

With TerminateAfter the source box is torn down once the image is
available, which is the usual way to turn a hand-configured box into a
reusable base image.
*/
package imaging
