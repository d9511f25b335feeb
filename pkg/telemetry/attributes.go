package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Standard span attribute keys.
const (
	AttrDocumentID   = "document.id"
	AttrBoxType      = "document.box_type"
	AttrSourceType   = "document.source_type"
	AttrContentHash  = "document.content_hash"

	AttrClassificationSource     = "classification.source"
	AttrClassificationConfidence = "classification.confidence"

	AttrBatchID         = "batch.id"
	AttrBatchSize       = "batch.size"
	AttrBatchSuccess    = "batch.success_count"
	AttrBatchFailure    = "batch.failure_count"

	AttrBiPROShipmentID = "bipro.shipment_id"
	AttrBiPROVUProfile  = "bipro.vu_profile"
)

// DocumentAttributes returns the standard span attributes for one document.
func DocumentAttributes(documentID int64, boxType, sourceType, contentHash string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64(AttrDocumentID, documentID),
		attribute.String(AttrBoxType, boxType),
		attribute.String(AttrSourceType, sourceType),
		attribute.String(AttrContentHash, contentHash),
	}
}

// ClassificationAttributes returns span attributes describing a classification outcome.
func ClassificationAttributes(source, confidence string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrClassificationSource, source),
		attribute.String(AttrClassificationConfidence, confidence),
	}
}

// BatchAttributes returns span attributes describing a batch run.
func BatchAttributes(batchID string, size, success, failure int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrBatchID, batchID),
		attribute.Int(AttrBatchSize, size),
		attribute.Int(AttrBatchSuccess, success),
		attribute.Int(AttrBatchFailure, failure),
	}
}

// BiPROAttributes returns span attributes describing a BiPRO shipment call.
func BiPROAttributes(shipmentID, vuProfile string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrBiPROShipmentID, shipmentID),
		attribute.String(AttrBiPROVUProfile, vuProfile),
	}
}
