package provider

// NDVIEvalscript computes the Normalized Difference Vegetation Index per
// pixel, masking out invalid pixels via Sentinel's dataMask band.
const NDVIEvalscript = `//VERSION=3

function setup() {
  return {
    input: [{
      bands: [
        "B04",
        "B08",
        "dataMask"
      ],
      units: "DN"
    }],
    output: [
      {
        id: "default",
        bands: 1,
        sampleType: "FLOAT32"
      },
      {
        id: "dataMask",
        bands: 1,
        sampleType: "UINT8"
      }
    ]
  };
}

function evaluatePixel(sample) {
  if (sample.dataMask === 0) {
    return {
      default: [NaN],
      dataMask: [0]
    };
  }

  let ndvi = (sample.B08 - sample.B04) / (sample.B08 + sample.B04);

  return {
    default: [ndvi],
    dataMask: [1]
  };
}
`
