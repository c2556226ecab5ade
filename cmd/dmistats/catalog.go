package main

import (
	"time"

	"github.com/lox/dmistats/internal/models"
)

var catalog = models.Catalog{
	Stations: []models.Station{
		{ExternalID: "06180", Name: "Københavns Lufthavn (Kastrup)"},
		{ExternalID: "06072", Name: "Ødum"},
		{ExternalID: "06120", Name: "Odense Lufthavn"},
		{ExternalID: "06190", Name: "Rønne (Bornholm)"},
		{ExternalID: "06030", Name: "Aalborg Lufthavn"},
		{ExternalID: "06060", Name: "Esbjerg Lufthavn"},
		{ExternalID: "06135", Name: "Roskilde Lufthavn"},
		{ExternalID: "06041", Name: "Skagen Fyr"},
		{ExternalID: "06110", Name: "Sønderborg Lufthavn"},
		{ExternalID: "06068", Name: "Karup (Midtjylland)"},
		{ExternalID: "06193", Name: "Hammer Odde Fyr"},
	},
	Parameters: []models.Parameter{
		{ExternalID: "temp_dry", Name: "Temperatur (tør)", SamplingInterval: 10 * time.Minute},
		{ExternalID: "wind_speed", Name: "Vindhastighed", SamplingInterval: 10 * time.Minute},
		{ExternalID: "precip_past10min", Name: "Nedbør 10 min", SamplingInterval: 10 * time.Minute},
		{ExternalID: "precip_past1h", Name: "Nedbør (sidste time)", SamplingInterval: time.Hour},
		{ExternalID: "humidity", Name: "Luftfugtighed", SamplingInterval: 10 * time.Minute},
		{ExternalID: "pressure", Name: "Lufttryk", SamplingInterval: 10 * time.Minute},
		{ExternalID: "sun_last1h_glob", Name: "Solskinstimer", SamplingInterval: time.Hour},
		{ExternalID: "visibility", Name: "Sigtbarhed", SamplingInterval: 10 * time.Minute},
	},
}
