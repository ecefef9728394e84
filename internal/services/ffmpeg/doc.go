// Package ffmpeg runs the FFmpeg extraction used by the convert stage: any
// supported audio or video container in, 16 kHz mono PCM WAV out.
package ffmpeg
