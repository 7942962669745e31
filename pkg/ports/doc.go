// Package ports defines the interfaces of the reader's external collaborators:
// the demuxer, the hardware decoder, the GPU context, debug frame output and
// the logger.
package ports
