package device

import (
	"math"

	"github.com/banshee-data/opi.server/internal/opi"
)

// MaxLum is the brightest stimulus, in cd/m², an OPI client may request. It is
// 10000 apostilbs, the 0 dB reference of the Humphrey-style scale.
const MaxLum = 10000 / math.Pi

var (
	eyeParam   = opi.Param("eye", opi.KindEnum).OneOf("left", "right")
	xParam     = opi.Param("x", opi.KindDouble).Between(-90, 90).Doc("Stimulus x in degrees of visual angle")
	yParam     = opi.Param("y", opi.KindDouble).Between(-90, 90).Doc("Stimulus y in degrees of visual angle")
	lumParam   = opi.Param("lum", opi.KindDouble).Between(0, MaxLum).Doc("Stimulus luminance in cd/m²")
	tParam     = opi.Param("t", opi.KindInt).Between(0, 10000).Opt(200.0).Doc("Presentation time in ms")
	wParam     = opi.Param("w", opi.KindInt).Between(0, 10000).Opt(1500.0).Doc("Response window in ms")
	bgLumParam = opi.Param("bgLum", opi.KindDouble).Between(0, MaxLum).Opt(10.0).Doc("Background luminance in cd/m²")
	fixParam   = opi.Param("fixShape", opi.KindEnum).OneOf("spot", "cross", "ring", "maltese").Opt("spot")
	trackParam = opi.Param("tracking", opi.KindBool).Opt(false).Doc("Stream pupil telemetry")
)

var (
	presentReturns = []opi.ReturnSpec{
		opi.Returns("seen", opi.KindBool, "Whether the stimulus was seen"),
		opi.Returns("time", opi.KindDouble, "Response time in ms"),
		opi.ReturnsList("eyex", opi.KindDouble, "Pupil x during presentation"),
		opi.ReturnsList("eyey", opi.KindDouble, "Pupil y during presentation"),
		opi.ReturnsList("eyed", opi.KindDouble, "Pupil diameter in mm"),
		opi.ReturnsList("eyet", opi.KindDouble, "Sample times in ms after onset"),
	}
	queryReturns = []opi.ReturnSpec{
		opi.Returns("machine", opi.KindString, "Machine name"),
		opi.Returns("version", opi.KindString, "Server version"),
		opi.Returns("minlum", opi.KindDouble, "Dimmest stimulus in cd/m²"),
		opi.Returns("maxlum", opi.KindDouble, "Brightest stimulus in cd/m²"),
		opi.Returns("tracking", opi.KindBool, "Pupil telemetry available"),
	}
	closeReturns = []opi.ReturnSpec{
		opi.Returns("samples", opi.KindInt, "Telemetry samples recorded"),
	}
)

func simulationContracts() map[opi.Command]opi.Contract {
	return map[opi.Command]opi.Contract{
		opi.Query: {Returns: queryReturns},
		opi.Initialize: {Params: []opi.ParameterSpec{
			eyeParam.Opt("left"),
			opi.Param("fpr", opi.KindDouble).Between(0, 1).Opt(0.03).Doc("False positive rate"),
			opi.Param("fnr", opi.KindDouble).Between(0, 1).Opt(0.01).Doc("False negative rate"),
			opi.Param("sd", opi.KindDouble).Between(0.1, 20).Opt(1.0).Doc("Slope of the frequency-of-seeing curve in dB"),
			opi.Param("threshold", opi.KindDouble).Between(0, 50).Opt(30.0).Doc("Foveal threshold in dB"),
			opi.Param("seed", opi.KindInt).Between(0, 1<<31).Opt(0.0),
			trackParam,
		}},
		opi.Setup: {Params: []opi.ParameterSpec{bgLumParam, fixParam}},
		opi.Present: {
			Params: []opi.ParameterSpec{
				xParam, yParam, lumParam,
				opi.Param("size", opi.KindDouble).Between(0.05, 10).Opt(0.43).Doc("Stimulus diameter in degrees"),
				tParam, wParam,
			},
			Returns: presentReturns,
		},
		opi.Close: {Returns: closeReturns},
	}
}

func o900Contracts() map[opi.Command]opi.Contract {
	return map[opi.Command]opi.Contract{
		opi.Query: {Returns: queryReturns},
		opi.Initialize: {Params: []opi.ParameterSpec{
			eyeParam,
			opi.Param("gazeFeed", opi.KindBool).Opt(false).Doc("Record the gaze video on the device"),
			trackParam,
		}},
		opi.Setup: {Params: []opi.ParameterSpec{
			opi.Param("bgLum", opi.KindEnum).OneOf("bowl", "grey", "white").Opt("bowl"),
			fixParam.OneOf("spot", "cross", "ring"),
			opi.Param("fixIntensity", opi.KindInt).Between(0, 100).Opt(50.0),
		}},
		opi.Present: {
			Params: []opi.ParameterSpec{
				xParam, yParam, lumParam,
				opi.Param("size", opi.KindEnum).OneOf("GI", "GII", "GIII", "GIV", "GV").Doc("Goldmann size"),
				tParam, wParam,
			},
			Returns: presentReturns,
		},
		opi.Close: {Returns: closeReturns},
	}
}

func compassContracts() map[opi.Command]opi.Contract {
	return map[opi.Command]opi.Contract{
		opi.Query: {Returns: queryReturns},
		opi.Initialize: {Params: []opi.ParameterSpec{
			eyeParam,
			opi.Param("fixation", opi.KindEnum).OneOf("center", "left", "right").Opt("center").Doc("Fixation target position"),
			opi.Param("tracking", opi.KindBool).Opt(true),
		}},
		opi.Setup: {Params: []opi.ParameterSpec{
			opi.Param("tracking", opi.KindBool),
		}},
		opi.Present: {
			Params: []opi.ParameterSpec{
				opi.Param("x", opi.KindDouble).Between(-30, 30),
				opi.Param("y", opi.KindDouble).Between(-30, 30),
				lumParam,
				opi.Param("t", opi.KindInt).Between(200, 200).Opt(200.0).Doc("Fixed at 200 ms"),
				wParam,
			},
			Returns: presentReturns,
		},
		opi.Close: {Returns: closeReturns},
	}
}

func displayContracts() map[opi.Command]opi.Contract {
	return map[opi.Command]opi.Contract{
		opi.Query: {Returns: queryReturns},
		opi.Initialize: {Params: []opi.ParameterSpec{
			opi.Param("distance", opi.KindDouble).Between(10, 300).Opt(57.0).Doc("Viewing distance in cm"),
			opi.Param("gamma", opi.KindDouble).Between(1, 4).Opt(2.2),
		}},
		opi.Setup: {Params: []opi.ParameterSpec{
			bgLumParam,
			opi.Param("bgCol", opi.KindEnum).OneOf("white", "red", "green", "blue").Opt("white"),
			fixParam,
			opi.Param("fixLum", opi.KindDouble).Between(0, MaxLum).Opt(20.0),
		}},
		opi.Present: {
			Params: []opi.ParameterSpec{
				xParam, yParam, lumParam,
				opi.Param("size", opi.KindDouble).Between(0.05, 20).Opt(0.43),
				opi.Param("color", opi.KindEnum).OneOf("white", "red", "green", "blue").Opt("white"),
				tParam, wParam,
			},
			Returns: presentReturns,
		},
		opi.Close: {Returns: closeReturns},
	}
}

func imoVifaContracts() map[opi.Command]opi.Contract {
	eyes := opi.Param("eye", opi.KindEnum).OneOf("left", "right", "both")
	return map[opi.Command]opi.Contract{
		opi.Query: {Returns: queryReturns},
		opi.Initialize: {Params: []opi.ParameterSpec{
			trackParam,
		}},
		opi.Setup: {Params: []opi.ParameterSpec{
			eyes,
			bgLumParam,
			fixParam,
			opi.Param("fixLum", opi.KindDouble).Between(0, MaxLum).Opt(20.0),
		}},
		opi.Present: {
			Params: []opi.ParameterSpec{
				eyes,
				opi.ListParam("x", opi.KindDouble).Between(-40, 40),
				opi.ListParam("y", opi.KindDouble).Between(-40, 40),
				opi.ListParam("lum", opi.KindDouble).Between(0, MaxLum),
				opi.ListParam("size", opi.KindDouble).Between(0.05, 10),
				opi.ListParam("t", opi.KindInt).Between(0, 10000),
				opi.Param("w", opi.KindInt).Between(0, 10000).Opt(1500.0),
			},
			Returns: presentReturns,
		},
		opi.Close: {Returns: closeReturns},
	}
}
