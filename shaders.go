package camrec

// GLSL ES sources for the two compositor passes.

const cameraVertexShader = `
attribute vec4 aPosition;
attribute vec2 aTexCoord;
varying vec2 vTexCoord;

void main() {
    gl_Position = aPosition;
    vTexCoord = aTexCoord;
}
`

const cameraFragmentShader = `
precision mediump float;
varying vec2 vTexCoord;
uniform sampler2D uTexture;

void main() {
    gl_FragColor = texture2D(uTexture, vTexCoord);
}
`

// The overlay pass shares the vertex stage; blending is configured by the
// caller, the fragment stage only samples.
const overlayVertexShader = cameraVertexShader

const overlayFragmentShader = `
precision mediump float;
varying vec2 vTexCoord;
uniform sampler2D uOverlay;

void main() {
    gl_FragColor = texture2D(uOverlay, vTexCoord);
}
`
