package camrec

// I420Size returns the buffer size of an I420 frame with even dimensions.
func I420Size(width, height int) int {
	return width*height + 2*(width/2)*(height/2)
}

// rgbaToI420 converts RGBA (BT.601 limited range) into dst, which must hold
// I420Size bytes. With bottomUp set, source row 0 is the bottom of the
// image, as read back from a framebuffer. Width and height must be even.
func rgbaToI420(dst, rgba []byte, width, height int, bottomUp bool) {
	ySize := width * height
	cw := width / 2
	yPlane := dst[:ySize]
	uPlane := dst[ySize : ySize+cw*(height/2)]
	vPlane := dst[ySize+cw*(height/2):]

	srcRow := func(y int) []byte {
		if bottomUp {
			y = height - 1 - y
		}
		off := y * width * 4
		return rgba[off : off+width*4]
	}

	// Pass 1: Y plane
	for y := 0; y < height; y++ {
		row := srcRow(y)
		yRow := yPlane[y*width : (y+1)*width]
		for x := 0; x < width; x++ {
			pi := x * 4
			yRow[x] = byte((66*int(row[pi])+129*int(row[pi+1])+25*int(row[pi+2])+128)>>8 + 16)
		}
	}

	// Pass 2: chroma from the average of each 2x2 block
	for y := 0; y < height/2; y++ {
		r0, r1 := srcRow(2*y), srcRow(2*y+1)
		for x := 0; x < cw; x++ {
			pi := x * 8
			r := int(r0[pi]) + int(r0[pi+4]) + int(r1[pi]) + int(r1[pi+4])
			g := int(r0[pi+1]) + int(r0[pi+5]) + int(r1[pi+1]) + int(r1[pi+5])
			b := int(r0[pi+2]) + int(r0[pi+6]) + int(r1[pi+2]) + int(r1[pi+6])
			r, g, b = (r+2)>>2, (g+2)>>2, (b+2)>>2
			uPlane[y*cw+x] = byte((-38*r-74*g+112*b+128)>>8 + 128)
			vPlane[y*cw+x] = byte((112*r-94*g-18*b+128)>>8 + 128)
		}
	}
}
